// Package version holds build version metadata.
package version

import "fmt"

var (
	// Version is the released semver, overridden at build time.
	Version = "0.1.0"
	// DevVersion is what unreleased builds report.
	DevVersion = "0.1.0-dev"
)

// GetCurrentVersion returns the version string for a run mode.
func GetCurrentVersion(mode string) string {
	if mode == "prod" {
		return Version
	}
	return DevVersion
}

// String returns a printable identifier.
func String(mode string) string {
	return fmt.Sprintf("leadline/%s", GetCurrentVersion(mode))
}
