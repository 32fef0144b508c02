// Package version provides build-time version information for the daemon.
// Version, Code, Commit, and BuildTime are populated via ldflags during the
// build process. For development builds, default values are used.
package version

import "strconv"

// Build information variables, set via ldflags at build time:
//
//	go build -ldflags "-X github.com/doughall/rootd/internal/version.Version=27.0 \
//	                   -X github.com/doughall/rootd/internal/version.Code=27000 \
//	                   -X github.com/doughall/rootd/internal/version.Commit=abc123"
var (
	// Version is the human-readable version reported by CHECK_VERSION.
	Version = "dev"

	// Code is the integer version reported by CHECK_VERSION_CODE. It is a
	// string so that ldflags can set it.
	Code = "0"

	// Commit is the git commit hash from which the binary was built.
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built (RFC3339 format).
	BuildTime = "unknown"
)

// VersionCode returns Code as an int32, or 0 when it is not numeric.
func VersionCode() int32 {
	n, err := strconv.ParseInt(Code, 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}

// Info returns a formatted string with all version information.
func Info() string {
	return "rootd " + Version + " (" + Code + ", commit: " + Commit + ", built: " + BuildTime + ")"
}
