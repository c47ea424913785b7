package monitor

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/benny-png/QUARK/internal/domain"
)

// gauges exports the latest host and per-application samples to Prometheus.
type gauges struct {
	hostCPU     prometheus.Gauge
	hostMemory  prometheus.Gauge
	hostDisk    prometheus.Gauge
	appCPU      *prometheus.GaugeVec
	appMemory   *prometheus.GaugeVec
	appNetRx    *prometheus.GaugeVec
	appNetTx    *prometheus.GaugeVec
	initialized bool
}

func newGauges(log *slog.Logger) *gauges {
	g := &gauges{
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quark",
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Host CPU utilization percentage",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quark",
			Subsystem: "host",
			Name:      "memory_percent",
			Help:      "Host memory utilization percentage",
		}),
		hostDisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quark",
			Subsystem: "host",
			Name:      "disk_percent",
			Help:      "Host root filesystem utilization percentage",
		}),
		appCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quark",
			Subsystem: "app",
			Name:      "cpu_percent",
			Help:      "Application container CPU utilization percentage",
		}, []string{"app_id", "container_id"}),
		appMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quark",
			Subsystem: "app",
			Name:      "memory_mb",
			Help:      "Application container memory usage in MB",
		}, []string{"app_id", "container_id"}),
		appNetRx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quark",
			Subsystem: "app",
			Name:      "network_rx_bytes",
			Help:      "Application container cumulative received bytes",
		}, []string{"app_id", "container_id"}),
		appNetTx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quark",
			Subsystem: "app",
			Name:      "network_tx_bytes",
			Help:      "Application container cumulative transmitted bytes",
		}, []string{"app_id", "container_id"}),
	}

	collectors := []prometheus.Collector{g.hostCPU, g.hostMemory, g.hostDisk, g.appCPU, g.appMemory, g.appNetRx, g.appNetTx}
	for i, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				log.Error("register metrics collector", "error", err)
				return g
			}
			switch v := are.ExistingCollector.(type) {
			case prometheus.Gauge:
				switch i {
				case 0:
					g.hostCPU = v
				case 1:
					g.hostMemory = v
				case 2:
					g.hostDisk = v
				}
			case *prometheus.GaugeVec:
				switch i {
				case 3:
					g.appCPU = v
				case 4:
					g.appMemory = v
				case 5:
					g.appNetRx = v
				case 6:
					g.appNetTx = v
				}
			}
		}
	}
	g.initialized = true
	return g
}

func (g *gauges) recordHost(m domain.HostMetrics) {
	if !g.initialized {
		return
	}
	g.hostCPU.Set(m.CPUPercent)
	g.hostMemory.Set(m.MemoryPercent)
	g.hostDisk.Set(m.DiskPercent)
}

func (g *gauges) recordApp(m domain.AppMetrics) {
	if !g.initialized {
		return
	}
	labels := prometheus.Labels{"app_id": m.ApplicationID, "container_id": m.ContainerID}
	g.appCPU.With(labels).Set(m.CPUPercent)
	g.appMemory.With(labels).Set(m.MemoryMB)
	g.appNetRx.With(labels).Set(float64(m.NetworkRxBytes))
	g.appNetTx.With(labels).Set(float64(m.NetworkTxBytes))
}
