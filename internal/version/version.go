package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the node's current released version.
// This value can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/MoSiYuan/cis/internal/version.Version=1.2.0"
//
// Semantic versioning: https://semver.org/
var Version = "1.1.5"

// DevVersion is the current development version.
var DevVersion = Version

// GitCommit is the git commit hash at build time.
// Set via ldflags: -X github.com/MoSiYuan/cis/internal/version.GitCommit=$(git rev-parse HEAD)
var GitCommit = "unknown"

// BuildTime is the build timestamp in RFC3339 format.
var BuildTime = "unknown"

func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return DevVersion
	}
	return Version
}

// ProtocolID is the identifier exchanged on every peer connection,
// e.g. "cis/1.1.5". Peers on incompatible minors refuse to talk.
func ProtocolID() string {
	return fmt.Sprintf("cis/%s", Version)
}

// GetMinorVersion extracts "major.minor" from a full version string,
// or "" if the format is invalid.
func GetMinorVersion(version string) string {
	versionList := strings.Split(version, ".")
	if len(versionList) < 2 {
		return ""
	}
	return versionList[0] + "." + versionList[1]
}

// IsVersionGreaterOrEqualThan returns true if version >= target.
func IsVersionGreaterOrEqualThan(version, target string) bool {
	return semver.Compare(fmt.Sprintf("v%s", version), fmt.Sprintf("v%s", target)) > -1
}
