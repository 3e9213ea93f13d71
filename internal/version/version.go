// Package version provides build-time version information.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X github.com/javanstorm/clawbox/internal/version.Version=0.4.0 \
//	                   -X github.com/javanstorm/clawbox/internal/version.Commit=$(git rev-parse HEAD)" ./cmd/clawbox
var (
	Version = "dev"

	Commit = "unknown"

	BuildDate = "unknown"
)

// String renders all build fields on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}
