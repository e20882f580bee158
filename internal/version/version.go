// Package version reports the kosmos build version.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// String returns the version line printed by `kosmos version`.
func String() string {
	return fmt.Sprintf("kosmos %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
