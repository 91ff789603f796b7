// Package version carries the bridge's build identity, stamped via ldflags:
//
//	go build -ldflags "-X github.com/bdobrica/meshbridge/common/version.Version=v1.2.0 \
//	  -X github.com/bdobrica/meshbridge/common/version.GitCommit=$(git rev-parse --short HEAD)"
package version

var (
	// Version is the semantic version.
	Version = "v0.0.0-dev"

	// GitCommit is the short git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns the one-line version string printed by meshbridge -version.
func Info() string {
	return "meshbridge " + Version + " (" + GitCommit + ") built at " + BuildTime
}
