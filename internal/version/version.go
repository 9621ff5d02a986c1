// Package version describes the running rpcbridge build.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	fallbackModule  = "pkt.systems/rpcbridge"
	fallbackVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/rpcbridge/internal/version.buildVersion=...".
var buildVersion = ""

// Build is what the binary knows about itself.
type Build struct {
	Version   string
	Module    string
	Revision  string
	Modified  bool
	GoVersion string
}

var embedded = sync.OnceValue(func() Build {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info)
})

// Get returns the build description. An ldflags version wins over build info.
func Get() Build {
	b := embedded()
	if v := strings.TrimSpace(buildVersion); v != "" {
		b.Version = v
	}
	return b
}

// Current returns the version string reported by status and the CLI.
func Current() string {
	return Get().Version
}

// UserAgent is the User-Agent header value sent by the client package.
func UserAgent() string {
	return "rpcbridge/" + Current()
}

// String renders the build for `rpcbridge version`.
func (b Build) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", b.Module, b.Version)
	if b.Revision != "" {
		fmt.Fprintf(&sb, " rev %s", shortRevision(b.Revision))
		if b.Modified {
			sb.WriteString(" (modified)")
		}
	}
	fmt.Fprintf(&sb, " %s", b.GoVersion)
	return sb.String()
}

func fromBuildInfo(info *debug.BuildInfo) Build {
	b := Build{Version: fallbackVersion, Module: fallbackModule, GoVersion: runtime.Version()}
	if info == nil {
		return b
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		b.Module = path
	}
	if info.GoVersion != "" {
		b.GoVersion = info.GoVersion
	}
	var stamp time.Time
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			b.Revision = setting.Value
		case "vcs.time":
			stamp, _ = time.Parse(time.RFC3339, setting.Value)
		case "vcs.modified":
			b.Modified = setting.Value == "true"
		}
	}
	switch v := strings.TrimSpace(info.Main.Version); {
	case v != "" && v != "(devel)":
		b.Version = v
	case b.Revision != "" && !stamp.IsZero():
		b.Version = "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + shortRevision(b.Revision)
		if b.Modified {
			b.Version += "+dirty"
		}
	}
	return b
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
