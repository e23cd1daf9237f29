package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is one host utilization reading.
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	At            time.Time `json:"at"`
}

// Sampler reads host utilization.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler reads system-wide CPU and memory utilization via gopsutil.
// CPU is measured since the previous call, so the first reading after
// process start may be zero.
type HostSampler struct {
	Now func() time.Time
}

// Sample implements Sampler.
func (h HostSampler) Sample(ctx context.Context) (Sample, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample memory: %w", err)
	}
	s := Sample{MemoryPercent: vm.UsedPercent, At: now()}
	if len(cpus) > 0 {
		s.CPUPercent = cpus[0]
	}
	return s, nil
}

// StaticSampler always returns the same reading.
type StaticSampler Sample

// Sample implements Sampler.
func (s StaticSampler) Sample(context.Context) (Sample, error) { return Sample(s), nil }
