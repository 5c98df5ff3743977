// Package resource samples host CPU and memory utilisation so long-running imports
// can back off while the machine is under pressure.
package resource

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/observability"
)

// Probe names used in logs and the resource_sample_errors_total metric.
const (
	ProbeCPU    = "cpu"
	ProbeMemory = "memory"
)

// Sampler reads raw host utilisation.
type Sampler interface {
	// CPUPercent returns overall CPU utilisation in percent.
	CPUPercent(ctx context.Context) (float64, error)

	// Memory returns used memory in percent and available memory in bytes.
	Memory(ctx context.Context) (usedPercent float64, available uint64, err error)
}

// HostSampler reads utilisation of the local machine through gopsutil.
type HostSampler struct{}

// CPUPercent takes an instant reading with a zero interval. It is less accurate than
// a one-second sample but never blocks the caller.
func (HostSampler) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("cpu probe returned no readings")
	}
	return percents[0], nil
}

// Memory implements Sampler.
func (HostSampler) Memory(ctx context.Context) (float64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.UsedPercent, vm.Available, nil
}

// Monitor turns samples into a healthy/unhealthy verdict against fixed thresholds.
// It is safe for concurrent use.
type Monitor struct {
	sampler         Sampler
	cpuThreshold    float64
	memoryThreshold float64
	metrics         *observability.Metrics
	logger          zerolog.Logger
}

// NewMonitor creates a monitor with the thresholds from cfg.
func NewMonitor(sampler Sampler, cfg config.ResourceConfig, metrics *observability.Metrics, logger zerolog.Logger) *Monitor {
	return &Monitor{
		sampler:         sampler,
		cpuThreshold:    cfg.CPUThreshold,
		memoryThreshold: cfg.MemoryThreshold,
		metrics:         metrics,
		logger:          observability.WithComponent(logger, "resource_monitor"),
	}
}

// Sample reads CPU and memory once. The host is healthy when both are strictly below
// their thresholds. If either probe fails the sample fails open and reports healthy,
// so a broken probe never stalls an import.
func (m *Monitor) Sample(ctx context.Context) domain.ResourceSample {
	var (
		sample domain.ResourceSample
		failed bool
	)

	cpuPercent, err := m.sampler.CPUPercent(ctx)
	if err != nil {
		m.probeFailed(ProbeCPU, err)
		failed = true
	} else {
		sample.CPUPercent = cpuPercent
	}

	memPercent, available, err := m.sampler.Memory(ctx)
	if err != nil {
		m.probeFailed(ProbeMemory, err)
		failed = true
	} else {
		sample.MemoryPercent = memPercent
		sample.MemoryAvailable = available
	}

	if failed {
		sample.Healthy = true
		return sample
	}

	sample.Healthy = sample.CPUPercent < m.cpuThreshold && sample.MemoryPercent < m.memoryThreshold
	if !sample.Healthy {
		m.logger.Debug().
			Float64("cpu_percent", sample.CPUPercent).
			Float64("memory_percent", sample.MemoryPercent).
			Float64("cpu_threshold", m.cpuThreshold).
			Float64("memory_threshold", m.memoryThreshold).
			Msg("host under resource pressure")
	}

	return sample
}

func (m *Monitor) probeFailed(probe string, err error) {
	m.logger.Warn().Err(err).Str("probe", probe).Msg("resource probe failed, assuming healthy")
	if m.metrics != nil {
		m.metrics.RecordResourceSampleError(probe)
	}
}
