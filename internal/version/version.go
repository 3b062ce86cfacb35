// Package version reports the keyrelay build.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version and Commit are stamped with
// -ldflags "-X github.com/r9s-ai/keyrelay/internal/version.Version=v0.1.0".
var (
	Version = "dev"
	Commit  = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Go      string `json:"go"`
}

// Get falls back to the VCS revision recorded by the go tool when Commit
// was not stamped.
func Get() Info {
	return Info{Version: Version, Commit: commit(), Go: runtime.Version()}
}

func (i Info) String() string {
	if i.Commit == "" {
		return fmt.Sprintf("keyrelay %s (%s)", i.Version, i.Go)
	}
	return fmt.Sprintf("keyrelay %s %s (%s)", i.Version, shortRev(i.Commit), i.Go)
}

func commit() string {
	if Commit != "" {
		return Commit
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func shortRev(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
