package resource

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"log/slog"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/engine"
	"github.com/benny-png/QUARK/internal/hostinfo"
	"github.com/benny-png/QUARK/internal/repository"
)

// ErrInsufficientResources is returned when an application's requested
// limits do not fit the remaining host capacity.
var ErrInsufficientResources = errors.New("insufficient host resources")

// StatsEngine reads live container resource usage.
type StatsEngine interface {
	ContainerStats(ctx context.Context, containerID string) (engine.Stats, error)
}

// Usage is a snapshot of host capacity and live container consumption.
type Usage struct {
	Host             domain.HostMetrics `json:"host"`
	UsedCPUCores     float64            `json:"used_cpu_cores"`
	UsedMemoryMB     int64              `json:"used_memory_mb"`
	CapacityCPUCores float64            `json:"capacity_cpu_cores"`
	CapacityMemoryMB int64              `json:"capacity_memory_mb"`
	LiveContainers   int                `json:"live_containers"`
}

// Manager admits deployments against configured host ceilings.
//
// Availability is recomputed on every check by sampling the engine's stats
// for each live container, so releasing capacity is implicit: a stopped
// container simply stops counting. The check-then-start sequence is advisory
// and two concurrent deployments can both pass a check that only one of them
// fits; serialize mode closes that window by holding a lock across check and
// start.
type Manager struct {
	deployments repository.DeploymentRepository
	stats       StatsEngine
	sampler     hostinfo.Sampler
	log         *slog.Logger
	cpuCap      float64
	memCapMB    int64
	serialize   bool
	mu          sync.Mutex
}

// Options configures a Manager. MaxCPUPercent is the share of total host
// cores handed to applications; MaxMemoryGB caps their summed memory usage.
type Options struct {
	MaxCPUPercent float64
	MaxMemoryGB   int
	Serialize     bool
}

// New constructs a resource Manager.
func New(deployments repository.DeploymentRepository, stats StatsEngine, sampler hostinfo.Sampler, opts Options, log *slog.Logger) *Manager {
	if sampler == nil {
		sampler = hostinfo.Sample
	}
	if log == nil {
		log = slog.Default()
	}
	cores := float64(runtime.NumCPU())
	return &Manager{
		deployments: deployments,
		stats:       stats,
		sampler:     sampler,
		log:         log.With("component", "resource"),
		cpuCap:      opts.MaxCPUPercent / 100 * cores,
		memCapMB:    int64(opts.MaxMemoryGB) * 1024,
		serialize:   opts.Serialize,
	}
}

// Guard returns an unlock function. In serialize mode it holds the admission
// lock so a check-and-start sequence runs alone; otherwise it is a no-op.
func (m *Manager) Guard() func() {
	if !m.serialize {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// CheckAvailability reports whether cpuCores and memoryMB fit the remaining
// capacity. It returns ErrInsufficientResources (wrapped with the exhausted
// dimension) on denial.
func (m *Manager) CheckAvailability(ctx context.Context, cpuCores float64, memoryMB int64) error {
	usage, err := m.CurrentUsage(ctx)
	if err != nil {
		return err
	}
	if usage.UsedCPUCores+cpuCores > usage.CapacityCPUCores {
		return fmt.Errorf("%w: cpu %.2f requested, %.2f of %.2f cores in use",
			ErrInsufficientResources, cpuCores, usage.UsedCPUCores, usage.CapacityCPUCores)
	}
	if usage.UsedMemoryMB+memoryMB > usage.CapacityMemoryMB {
		return fmt.Errorf("%w: memory %dMB requested, %dMB of %dMB in use",
			ErrInsufficientResources, memoryMB, usage.UsedMemoryMB, usage.CapacityMemoryMB)
	}
	return nil
}

// Allocate admits the application's limits. Admission is advisory: nothing
// is reserved, the consumption becomes visible once its container is running.
func (m *Manager) Allocate(ctx context.Context, app *domain.Application) error {
	if err := m.CheckAvailability(ctx, app.CPULimit, app.MemoryLimitMB); err != nil {
		m.log.Warn("admission denied",
			"app_id", app.ID,
			"cpu_cores", app.CPULimit,
			"memory_mb", app.MemoryLimitMB,
			"error", err)
		return err
	}
	m.log.Info("admission granted", "app_id", app.ID, "cpu_cores", app.CPULimit, "memory_mb", app.MemoryLimitMB)
	return nil
}

// Release is intentionally a no-op: usage is derived from live containers,
// so capacity returns as soon as the container is gone.
func (m *Manager) Release(ctx context.Context, app *domain.Application) {}

// CurrentUsage samples the host, then sums engine stats over every live
// container. Liveness comes from the deployment records, not the application
// status mirror, so a container kept serving through a failed redeploy still
// counts. A container the engine can no longer see contributes zeros.
func (m *Manager) CurrentUsage(ctx context.Context) (Usage, error) {
	host, err := m.sampler(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample host: %w", err)
	}
	live, err := m.deployments.ListLiveDeployments(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("list live deployments: %w", err)
	}

	usage := Usage{
		Host:             host,
		CapacityCPUCores: m.cpuCap,
		CapacityMemoryMB: m.memCapMB,
	}
	for _, deployment := range live {
		stats, err := m.stats.ContainerStats(ctx, deployment.ContainerID)
		if err != nil {
			m.log.Warn("container stats unavailable",
				"app_id", deployment.ApplicationID,
				"container_id", deployment.ContainerID,
				"error", err)
			continue
		}
		// Engine CPU percent follows the docker convention: 100 == one core.
		usage.UsedCPUCores += stats.CPUPercent / 100
		usage.UsedMemoryMB += int64(stats.MemoryMB)
		usage.LiveContainers++
	}
	if usage.Host.Timestamp.IsZero() {
		usage.Host.Timestamp = time.Now().UTC()
	}
	return usage, nil
}
