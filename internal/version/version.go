// Package version reports build information of the npmci binary.
//
// Version and Revision are set at link time, for example:
//
//	-ldflags "-X github.com/fixentropy-io/daggerverse/internal/version.Version=1.2.3"
//
// When unset they are read from the module build info.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = ""
	Revision  = ""
	BuildDate = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if ok {
		if Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if Revision == "" {
					Revision = s.Value
				}
			case "vcs.time":
				if BuildDate == "" {
					BuildDate = s.Value
				}
			}
		}
	}

	if Version == "" {
		Version = "0.0.0-dev"
	}
	if Revision == "" {
		Revision = "unknown"
	}
}

// String returns a one-line description of the build.
func String() string {
	s := fmt.Sprintf("%s (%s, %s/%s", Version, Revision, runtime.GOOS, runtime.GOARCH)
	if BuildDate != "" {
		s += ", " + BuildDate
	}

	return s + ")"
}
