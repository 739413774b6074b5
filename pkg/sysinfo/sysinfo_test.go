package sysinfo

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestCollectDescribesHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host := CollectContext(ctx)
	if host.OS != runtime.GOOS || host.Arch != runtime.GOARCH {
		t.Fatalf("unexpected platform %+v", host)
	}
	if host.LogicalCPUs < 1 || host.Hostname == "" {
		t.Fatalf("expected logical CPUs and a hostname, got %+v", host)
	}
	if host.PhysicalCPUs > host.LogicalCPUs {
		t.Fatalf("physical CPUs %d exceed logical %d", host.PhysicalCPUs, host.LogicalCPUs)
	}
	if runtime.GOOS == "linux" && host.TotalRAMBytes == 0 {
		t.Fatal("expected total RAM on linux")
	}
}

func TestPlatformOmitsUnknownKernel(t *testing.T) {
	if got := (Host{OS: "linux", Arch: "amd64"}).Platform(); got != "linux-amd64" {
		t.Fatalf("unexpected platform %q", got)
	}
	if got := (Host{OS: "linux", Kernel: "6.8.0", Arch: "amd64"}).Platform(); got != "linux-6.8.0-amd64" {
		t.Fatalf("unexpected platform %q", got)
	}
}

func TestMemoryReportsOwnProcess(t *testing.T) {
	mem, err := MemoryMB()
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if mem <= 0 {
		t.Fatalf("expected positive resident memory, got %f", mem)
	}
	peak, err := PeakMemoryMB()
	if errors.Is(err, ErrUnsupported) {
		return
	}
	if err != nil || peak < mem/2 {
		t.Fatalf("expected a peak near the resident size, got %f, %v", peak, err)
	}
}
