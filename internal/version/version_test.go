package version

import (
	"strings"
	"testing"
)

func TestBannerStripsPrefixAndMetadata(t *testing.T) {
	old := buildVersion
	t.Cleanup(func() { buildVersion = old })

	buildVersion = "v1.4.2+dirty"
	if got := Banner(); got != "1.4.2" {
		t.Fatalf("expected 1.4.2, got %q", got)
	}
	buildVersion = ""
	if got := Banner(); strings.HasPrefix(got, "v") || got == "" {
		t.Fatalf("unexpected banner %q", got)
	}
}

func TestModuleFallback(t *testing.T) {
	if Module() == "" {
		t.Fatal("module path must not be empty")
	}
}
