// Package appversion reports the gofib build. The variables are stamped at
// link time:
//
//	-ldflags="-X github.com/dantte-lp/gofib/internal/version.Version=v0.3.0
//	          -X github.com/dantte-lp/gofib/internal/version.GitCommit=1f2e3d4
//	          -X github.com/dantte-lp/gofib/internal/version.BuildDate=2026-10-01T09:00:00Z"
//
// Unstamped builds fall back to the VCS settings recorded by the Go
// toolchain.
package appversion

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the semantic version (e.g., "v0.3.0" or "dev").
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Commit returns GitCommit, or the vcs.revision build setting when the
// binary was not stamped.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return GitCommit
}

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s\n  go:      %s",
		binary, Version, Commit(), BuildDate, runtime.Version())
}
