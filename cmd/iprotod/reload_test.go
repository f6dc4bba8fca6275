package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/iprotod"
	"pkt.systems/pslog"
)

func writeConfig(t *testing.T, path string, fn func(*configDefaults)) {
	t.Helper()
	data, err := defaultConfigYAML(func(c *configDefaults) {
		c.Listen = []string{"127.0.0.1:0"}
		fn(c)
	})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestApplyConfigFile(t *testing.T) {
	ts := iprotod.StartTestServer(t, iprotod.WithoutTestClient())
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, func(c *configDefaults) {
		c.MsgMax = 4
		c.Readahead = "64KiB"
	})
	before := ts.Server.Addrs()
	if err := applyConfigFile(path, ts.Server, pslog.NoopLogger()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ts.Server.MsgMax() != 4 || ts.Server.Readahead() != 65536 {
		t.Fatalf("unexpected msg max %d readahead %d", ts.Server.MsgMax(), ts.Server.Readahead())
	}
	if after := ts.Server.Addrs(); len(after) != 1 || after[0] != before[0] {
		t.Fatalf("unchanged listen entry must keep its listener: %v -> %v", before, after)
	}

	writeConfig(t, path, func(c *configDefaults) { c.MsgMax = 1 })
	if err := applyConfigFile(path, ts.Server, pslog.NoopLogger()); err == nil {
		t.Fatal("expected msg-max 1 to be rejected")
	}
	if ts.Server.MsgMax() != 4 {
		t.Fatalf("rejected reload must keep msg max, got %d", ts.Server.MsgMax())
	}
}

func TestWatchConfigAppliesChanges(t *testing.T) {
	ts := iprotod.StartTestServer(t, iprotod.WithoutTestClient())
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, func(c *configDefaults) {})
	w, err := watchConfig(path, ts.Server, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	writeConfig(t, path, func(c *configDefaults) { c.MsgMax = 6 })
	deadline := time.After(5 * time.Second)
	for ts.Server.MsgMax() != 6 {
		select {
		case <-w.applied:
		case <-deadline:
			t.Fatalf("config change not applied, msg max %d", ts.Server.MsgMax())
		}
	}
}
