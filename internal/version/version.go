// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String renders all build metadata on one line.
func String() string {
	return fmt.Sprintf("flowbus %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion())
}
