// Package sysinfo samples process memory and describes the host a simulation
// runs on. Every lookup is best effort; missing information is left empty.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrUnsupported is returned by samples that have no implementation on the
// current platform.
var ErrUnsupported = errors.New("sysinfo: not supported on this platform")

const bytesPerMB = 1024 * 1024

// Host describes the machine running the process. Zero values mean unknown.
type Host struct {
	Hostname      string
	OS            string
	Arch          string
	Kernel        string
	CPUModel      string
	LogicalCPUs   int
	PhysicalCPUs  int
	CPUMaxMHz     float64
	TotalRAMBytes uint64
}

// Collect gathers the host description.
func Collect() Host {
	return CollectContext(context.Background())
}

// CollectContext gathers the host description, bounding each lookup by ctx.
func CollectContext(ctx context.Context) Host {
	h := Host{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		LogicalCPUs: runtime.NumCPU(),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		h.Hostname = info.Hostname
		h.Kernel = info.KernelVersion
	}
	if h.Hostname == "" {
		if name, err := os.Hostname(); err == nil {
			h.Hostname = name
		}
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		h.LogicalCPUs = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		h.PhysicalCPUs = n
	}
	// Mhz carries the maximum frequency where the platform exposes one.
	if infos, err := cpu.InfoWithContext(ctx); err == nil {
		for _, info := range infos {
			if h.CPUModel == "" {
				h.CPUModel = strings.TrimSpace(info.ModelName)
			}
			if info.Mhz > h.CPUMaxMHz {
				h.CPUMaxMHz = info.Mhz
			}
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.TotalRAMBytes = vm.Total
	}
	return h
}

// Platform renders "{os}-{kernel}-{arch}", omitting an unknown kernel.
func (h Host) Platform() string {
	if h.Kernel == "" {
		return h.OS + "-" + h.Arch
	}
	return h.OS + "-" + h.Kernel + "-" + h.Arch
}

var self struct {
	once sync.Once
	proc *process.Process
	err  error
}

func selfProcess() (*process.Process, error) {
	self.once.Do(func() {
		self.proc, self.err = process.NewProcess(int32(os.Getpid()))
	})
	return self.proc, self.err
}

func memoryInfo() (*process.MemoryInfoStat, error) {
	p, err := selfProcess()
	if err != nil {
		return nil, fmt.Errorf("open own process: %w", err)
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("process memory: %w", err)
	}
	return info, nil
}

// MemoryMB returns the resident memory of this process in MiB.
func MemoryMB() (float64, error) {
	info, err := memoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / bytesPerMB, nil
}

// PeakMemoryMB returns the peak resident memory of this process in MiB. Only
// platforms that track a high water mark report it.
func PeakMemoryMB() (float64, error) {
	info, err := memoryInfo()
	if err != nil {
		return 0, err
	}
	if info.HWM == 0 {
		return 0, ErrUnsupported
	}
	return float64(info.HWM) / bytesPerMB, nil
}
