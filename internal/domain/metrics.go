package domain

import "time"

// HostMetrics is a point-in-time sample of host-level resource usage.
type HostMetrics struct {
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	MemoryAvailableMB float64   `json:"memory_available_mb"`
	DiskPercent       float64   `json:"disk_percent"`
	Timestamp         time.Time `json:"timestamp"`
}

// AppMetrics is a point-in-time sample of one application's live container.
type AppMetrics struct {
	ApplicationID  string    `json:"application_id"`
	ContainerID    string    `json:"container_id"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryMB       float64   `json:"memory_mb"`
	NetworkRxBytes int64     `json:"network_rx_bytes"`
	NetworkTxBytes int64     `json:"network_tx_bytes"`
	Timestamp      time.Time `json:"timestamp"`
}
