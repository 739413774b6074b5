package monitor

import (
	"runtime"

	"github.com/Hydrata/run-anuga/pkg/sysinfo"
	"github.com/Hydrata/run-anuga/pkg/version"
)

const bytesPerGB = 1024 * 1024 * 1024

// Environment records the hardware and software a run executed on. Pointer
// fields are null when the host cannot report them.
type Environment struct {
	Hostname         string            `json:"hostname"`
	OS               string            `json:"os"`
	GoVersion        string            `json:"go_version"`
	CPUModel         string            `json:"cpu_model"`
	CPUCountLogical  int               `json:"cpu_count_logical"`
	CPUCountPhysical *int              `json:"cpu_count_physical"`
	CPUFreqMaxMHz    *float64          `json:"cpu_freq_max_mhz"`
	TotalRAMGB       *float64          `json:"total_ram_gb"`
	RunAnugaVersion  string            `json:"run_anuga_version"`
	Dependencies     map[string]string `json:"dependencies,omitempty"`
}

// CollectEnvironment describes the current host and build.
func CollectEnvironment() Environment {
	return environmentFor(sysinfo.Collect(), version.Current())
}

func environmentFor(host sysinfo.Host, build version.Info) Environment {
	env := Environment{
		Hostname:        host.Hostname,
		OS:              host.Platform(),
		GoVersion:       runtime.Version(),
		CPUModel:        host.CPUModel,
		CPUCountLogical: host.LogicalCPUs,
		RunAnugaVersion: build.Version,
		Dependencies:    build.Dependencies,
	}
	if env.CPUModel == "" {
		env.CPUModel = "unknown"
	}
	if env.RunAnugaVersion == "" {
		env.RunAnugaVersion = "unknown"
	}
	if host.PhysicalCPUs > 0 {
		n := host.PhysicalCPUs
		env.CPUCountPhysical = &n
	}
	if host.CPUMaxMHz > 0 {
		mhz := round(host.CPUMaxMHz, 1)
		env.CPUFreqMaxMHz = &mhz
	}
	if host.TotalRAMBytes > 0 {
		gb := round(float64(host.TotalRAMBytes)/bytesPerGB, 2)
		env.TotalRAMGB = &gb
	}
	return env
}
