package version

import (
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version should be non-empty")
	}
	if !strings.Contains(String(), Version) {
		t.Errorf("String() = %q, want it to contain %q", String(), Version)
	}
}

func TestUserAgent(t *testing.T) {
	got := UserAgent("relay")
	if got != "defi-threat-sentinel-relay/"+Version {
		t.Errorf("UserAgent = %q", got)
	}
}
