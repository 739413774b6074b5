// Package version reports the build version of run-anuga and the versions of
// the modules it was linked against.
package version

import (
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
)

const defaultVersion = "0.1.0-dev"

// Version holds the version of the running binary. Override at build time via
// -ldflags "-X github.com/Hydrata/run-anuga/pkg/version.Version=<value>".
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

func init() {
	Version = deriveVersion(Version)
}

// Info describes the running build.
type Info struct {
	Version      string            `json:"version"`
	GoVersion    string            `json:"go_version"`
	Module       string            `json:"module,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Current returns the build description of the running binary.
func Current() Info {
	info := Info{
		Version:   Version,
		GoVersion: runtime.Version(),
	}
	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	info.Module = bi.Main.Path
	info.Dependencies = dependencyVersions(bi.Deps)
	return info
}

// DependencyNames returns the dependency module paths of info in sorted order.
func (i Info) DependencyNames() []string {
	names := make([]string, 0, len(i.Dependencies))
	for name := range i.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dependencyVersions(deps []*debug.Module) map[string]string {
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]string, len(deps))
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		mod := dep
		if dep.Replace != nil {
			mod = dep.Replace
		}
		v := sanitizeModuleVersion(mod.Version)
		if v == "" {
			v = "unknown"
		}
		out[dep.Path] = v
	}
	return out
}

func deriveVersion(current string) string {
	if current != "" && current != defaultVersion {
		return current
	}

	info, ok := readBuildInfo()
	if !ok || info == nil {
		return current
	}

	if v := sanitizeModuleVersion(info.Main.Version); v != "" {
		return v
	}

	if v := deriveFromSettings(info.Settings); v != "" {
		return v
	}

	return current
}

func sanitizeModuleVersion(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "", "(devel)":
		return ""
	default:
		return v
	}
}

func deriveFromSettings(settings []debug.BuildSetting) string {
	var (
		revision string
		modified bool
	)

	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			revision = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}

	if revision == "" {
		return ""
	}

	if len(revision) > 12 {
		revision = revision[:12]
	}

	if modified {
		revision += "-dirty"
	}

	return "devel+" + revision
}
