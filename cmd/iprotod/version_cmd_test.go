package main

import (
	"testing"

	"pkt.systems/iprotod/internal/version"
)

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	h := newTestRoot(t)
	stdout, stderr, err := h.execute("version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandBanner(t *testing.T) {
	h := newTestRoot(t)
	stdout, _, err := h.execute("version", "--banner")
	if err != nil {
		t.Fatalf("version --banner failed: %v", err)
	}
	if want := version.Banner() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}
