package system

import "github.com/strefethen/snapdog/internal/core"

// Set at build time via -ldflags.
var (
	Version        = "dev"
	BuildTimestamp = "unknown"
)

// VersionInfo returns the build identity published on VERSION_INFO and
// seeded into the global store at startup.
func VersionInfo() core.VersionPayload {
	return core.VersionPayload{Version: Version, BuildTimestamp: BuildTimestamp}
}
