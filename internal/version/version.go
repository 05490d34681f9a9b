package version

import (
	"fmt"
	"runtime/debug"
)

// Version is set via the linker's -X flag in release builds.
var Version = "unknown"

var FullVersion = determineFullVersion()

func determineFullVersion() string {
	if Version != "unknown" {
		return Version
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}

	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" {
			return fmt.Sprintf("%s-%s", Version, setting.Value)
		}
	}

	return Version
}
