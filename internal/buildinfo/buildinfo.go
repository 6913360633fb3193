// Package buildinfo exposes version and build metadata for the running
// binary. Release builds stamp the exported variables with -ldflags; dev
// builds fall back to the VCS metadata the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped via -ldflags="-X github.com/tallow/seneschal/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startedAt = time.Now()

var resolveOnce sync.Once

// resolve fills unstamped fields from debug.ReadBuildInfo, so a plain
// `go build` still reports a usable commit and build time.
func resolve() {
	resolveOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		var revision, vcsTime, modified string
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.time":
				vcsTime = s.Value
			case "vcs.modified":
				modified = s.Value
			}
		}
		if GitCommit == "unknown" && revision != "" {
			if len(revision) > 12 {
				revision = revision[:12]
			}
			if modified == "true" {
				revision += "-dirty"
			}
			GitCommit = revision
		}
		if BuildTime == "unknown" && vcsTime != "" {
			BuildTime = vcsTime
		}
	})
}

// Uptime reports how long the process has been running, to whole seconds.
func Uptime() time.Duration {
	return time.Since(startedAt).Truncate(time.Second)
}

// UserAgent identifies the binary on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("Seneschal/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String renders a one-line banner for startup logs.
func String() string {
	resolve()
	return fmt.Sprintf("Seneschal %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// Info returns the full metadata set keyed for the version command and
// the status API.
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
