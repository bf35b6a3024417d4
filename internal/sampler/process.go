package sampler

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultCPUWindow is how long a CPU reading blocks to measure usage.
const DefaultCPUWindow = 100 * time.Millisecond

const bytesPerMB = 1024 * 1024

// Reading is one sample of a process's resource usage.
type Reading struct {
	MemoryMB      float64
	MemoryPercent float64
	CPUPercent    float64
}

// ProcessSampler reads resource usage for a PID. Fields that cannot be read are
// left at zero.
type ProcessSampler interface {
	Sample(ctx context.Context, pid int32) Reading
}

// SystemSampler samples processes through the operating system.
type SystemSampler struct {
	CPUWindow time.Duration
}

func (s SystemSampler) Sample(ctx context.Context, pid int32) Reading {
	var r Reading
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return r
	}

	if info, err := p.MemoryInfoWithContext(ctx); err == nil && info != nil {
		r.MemoryMB = float64(info.RSS) / bytesPerMB
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
			r.MemoryPercent = float64(info.RSS) / float64(vm.Total) * 100
		}
	}

	window := s.CPUWindow
	if window <= 0 {
		window = DefaultCPUWindow
	}
	if cpu, err := p.PercentWithContext(ctx, window); err == nil {
		r.CPUPercent = cpu
	}
	return r
}
