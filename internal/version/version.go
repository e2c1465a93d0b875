// Package version holds the sentinel build version.
// Set it at build time: -ldflags '-X github.com/invisible-tech/defi-threat-sentinel/internal/version.Version=1.2.3'
package version

import "fmt"

// Version is set at build time; default for local builds.
var Version = "0.1.0"

// Commit is the source revision, set at build time.
var Commit = "unknown"

// UserAgent identifies sentinel HTTP clients to upstream services.
func UserAgent(component string) string {
	return fmt.Sprintf("defi-threat-sentinel-%s/%s", component, Version)
}

// String is the human readable build description.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
