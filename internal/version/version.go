package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
)

// ServiceName is reported as the OTLP service.name resource attribute.
const ServiceName = "pgtelemetry"

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with the Go runtime
// platform appended.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (commit: %s, %s/%s, %s)",
		Release, GitCommit, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// UserAgent is sent by outbound HTTP exporters.
func UserAgent() string {
	return ServiceName + "/" + Release
}
