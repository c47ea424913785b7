package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Stats is a one-shot resource usage sample for a container.
type Stats struct {
	CPUPercent     float64
	MemoryMB       float64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// ContainerStats samples a container's resource usage. A container that no
// longer exists yields a zeroed sample, not an error.
func (c *Client) ContainerStats(ctx context.Context, containerID string) (Stats, error) {
	if strings.TrimSpace(containerID) == "" {
		return Stats{}, fmt.Errorf("container id cannot be empty")
	}
	resp, err := c.inner.ContainerStats(ctx, containerID, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Stats{}, nil
		}
		return Stats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("decode container stats: %w", err)
	}

	sample := Stats{
		CPUPercent: cpuPercent(raw),
		MemoryMB:   float64(raw.MemoryStats.Usage) / (1024 * 1024),
	}
	for _, network := range raw.Networks {
		sample.NetworkRxBytes += int64(network.RxBytes)
		sample.NetworkTxBytes += int64(network.TxBytes)
	}
	return sample, nil
}

func cpuPercent(raw container.StatsResponse) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100.0
}

func containerIP(inspect types.ContainerJSON) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	if ip := inspect.NetworkSettings.IPAddress; ip != "" {
		return ip
	}
	for _, network := range inspect.NetworkSettings.Networks {
		if network != nil && network.IPAddress != "" {
			return network.IPAddress
		}
	}
	return ""
}
