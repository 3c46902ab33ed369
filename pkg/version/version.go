// Package version provides build version information for the bridge.
package version

// Set via ldflags at build time.
//
//nolint:gochecknoglobals // intentionally global for ldflags injection
var (
	version = "dev"
	commit  = "unknown"
)

// GetVersion returns the release version.
func GetVersion() string {
	return version
}

// GetCommit returns the source revision the binary was built from.
func GetCommit() string {
	return commit
}

// GetFullVersion returns the version together with the source revision.
func GetFullVersion() string {
	return version + " (" + commit + ")"
}
