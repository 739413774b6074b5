package monitor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Hydrata/run-anuga/pkg/sysinfo"
	"github.com/Hydrata/run-anuga/pkg/version"
)

func TestEnvironmentForReportsCPUDetails(t *testing.T) {
	env := environmentFor(sysinfo.Host{
		Hostname:      "hpc-01",
		OS:            "linux",
		Arch:          "amd64",
		Kernel:        "6.8.0",
		CPUModel:      "AMD EPYC 7763",
		LogicalCPUs:   16,
		PhysicalCPUs:  8,
		CPUMaxMHz:     3529.0625,
		TotalRAMBytes: 64 * bytesPerGB,
	}, version.Info{Version: "v1.4.0"})

	if env.OS != "linux-6.8.0-amd64" || env.CPUCountLogical != 16 {
		t.Fatalf("unexpected environment %+v", env)
	}
	if env.CPUCountPhysical == nil || *env.CPUCountPhysical != 8 {
		t.Fatalf("expected 8 physical cores, got %v", env.CPUCountPhysical)
	}
	if env.CPUFreqMaxMHz == nil || *env.CPUFreqMaxMHz != 3529.1 {
		t.Fatalf("expected max frequency 3529.1, got %v", env.CPUFreqMaxMHz)
	}
	if env.TotalRAMGB == nil || *env.TotalRAMGB != 64 {
		t.Fatalf("expected 64 GB, got %v", env.TotalRAMGB)
	}
}

func TestEnvironmentForLeavesUnknownsNull(t *testing.T) {
	env := environmentFor(sysinfo.Host{OS: "plan9", Arch: "386", LogicalCPUs: 1}, version.Info{})
	if env.CPUModel != "unknown" || env.RunAnugaVersion != "unknown" {
		t.Fatalf("expected unknown placeholders, got %+v", env)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"cpu_count_physical":null`, `"cpu_freq_max_mhz":null`, `"total_ram_gb":null`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %s in %s", want, data)
		}
	}
}
