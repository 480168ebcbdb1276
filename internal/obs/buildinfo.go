package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo labels the running binary and the store it was started against.
type BuildInfo struct {
	Version   string
	Commit    string
	Backend   string
	GoVersion string
}

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catequiz_build_info",
			Help: "Build and storage backend of the running catequiz API. Always 1.",
		},
		[]string{"version", "commit", "backend", "go_version"},
	)
)

// ResolveBuildInfo fills a commit left as "dev" by the linker from the VCS
// stamp the Go toolchain embeds, when there is one.
func ResolveBuildInfo(version, commit, backend string) BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, Backend: backend, GoVersion: runtime.Version()}
	if info.Commit != "" && info.Commit != "dev" {
		return info
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			info.Commit = s.Value
			if len(info.Commit) > 12 {
				info.Commit = info.Commit[:12]
			}
		}
	}
	return info
}

// InitBuildInfo publishes info as the only catequiz_build_info series.
func InitBuildInfo(info BuildInfo) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(info.Version, info.Commit, info.Backend, info.GoVersion).Set(1)
	Log("info", "build info", map[string]any{
		"version": info.Version, "commit": info.Commit, "backend": info.Backend, "go_version": info.GoVersion,
	})
}
