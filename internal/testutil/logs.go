package testutil

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

// AssertLogsContain fails the test when no captured entry contains want.
func AssertLogsContain(t *testing.T, hook *test.Hook, want string) {
	t.Helper()
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, want) {
			return
		}
	}
	t.Fatalf("log not found: %s", want)
}

// AssertLogsDoNotContain fails the test when any captured entry contains want.
func AssertLogsDoNotContain(t *testing.T, hook *test.Hook, want string) {
	t.Helper()
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, want) {
			t.Fatalf("unwanted log found: %s", want)
		}
	}
}
