package hostinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/benny-png/QUARK/internal/domain"
)

// Sampler reports host-level resource usage.
type Sampler func(ctx context.Context) (domain.HostMetrics, error)

// Sample reads CPU, memory and root-disk usage from the operating system.
func Sample(ctx context.Context) (domain.HostMetrics, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return domain.HostMetrics{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.HostMetrics{}, fmt.Errorf("sample memory: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return domain.HostMetrics{}, fmt.Errorf("sample disk: %w", err)
	}

	metrics := domain.HostMetrics{
		MemoryPercent:     vm.UsedPercent,
		MemoryAvailableMB: float64(vm.Available) / (1024 * 1024),
		DiskPercent:       usage.UsedPercent,
		Timestamp:         time.Now().UTC(),
	}
	if len(percents) > 0 {
		metrics.CPUPercent = percents[0]
	}
	return metrics, nil
}
