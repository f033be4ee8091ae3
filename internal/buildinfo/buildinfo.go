// Package buildinfo reports the planwright version and build metadata.
//
// Release builds stamp the variables below with -ldflags. Builds that
// skip the stamp (go install, go run) fall back to the VCS settings the
// Go toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags "-X .../buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

var vcsOnce sync.Once

// resolve fills unstamped fields from the embedded VCS settings.
func resolve() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		applyVCS(bi)
	})
}

func applyVCS(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	dirty := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && s.Value != "" {
				GitCommit = s.Value
				if len(GitCommit) > 12 {
					GitCommit = GitCommit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && GitCommit != "unknown" {
		GitCommit += "-dirty"
	}
}

// Info returns build and runtime metadata keyed for display and JSON.
func Info() map[string]string {
	resolve()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header value sent to generation backends.
func UserAgent() string {
	resolve()
	return "planwright/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	resolve()
	return fmt.Sprintf("planwright %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
