// Package version provides build-time version information for autod.
package version

import "fmt"

// Build-time variables injected via ldflags:
//
//	go build -ldflags "\
//	  -X github.com/macrodyne/autod/version.Version=v0.3.0 \
//	  -X github.com/macrodyne/autod/version.CommitHash=$(git rev-parse --short HEAD) \
//	  -X github.com/macrodyne/autod/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

// Info holds the resolved build information.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildTime  string `json:"build_time"`
}

// Get returns the build information for this binary.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
	}
}

// String returns the full human-readable version line.
func (i Info) String() string {
	return fmt.Sprintf("autod %s (%s, built %s)", i.Version, i.CommitHash, i.BuildTime)
}

// Short returns just the version tag.
func (i Info) Short() string {
	return i.Version
}
