package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/engine"
	"github.com/benny-png/QUARK/internal/hostinfo"
	"github.com/benny-png/QUARK/internal/repository"
)

// HostChannel is the broadcast key carrying host-level samples.
const HostChannel = "host"

// ErrNoActiveDeployment is returned when an application has no successful
// deployment with a live container to sample.
var ErrNoActiveDeployment = errors.New("application has no active deployment")

// StatsEngine reads live container resource usage.
type StatsEngine interface {
	ContainerStats(ctx context.Context, containerID string) (engine.Stats, error)
}

// Broadcaster fans a sample out to subscribers of a channel key.
type Broadcaster interface {
	Broadcast(appID string, payload []byte)
}

// Service samples host and per-application metrics, exports them to
// Prometheus and pushes them to websocket subscribers.
type Service struct {
	apps        repository.ApplicationRepository
	deployments repository.DeploymentRepository
	stats       StatsEngine
	sampler     hostinfo.Sampler
	hub         Broadcaster
	log         *slog.Logger
	gauges      *gauges
}

// New constructs a monitoring Service.
func New(
	apps repository.ApplicationRepository,
	deployments repository.DeploymentRepository,
	stats StatsEngine,
	sampler hostinfo.Sampler,
	hub Broadcaster,
	log *slog.Logger,
) *Service {
	if sampler == nil {
		sampler = hostinfo.Sample
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "monitor")
	return &Service{
		apps:        apps,
		deployments: deployments,
		stats:       stats,
		sampler:     sampler,
		hub:         hub,
		log:         log,
		gauges:      newGauges(log),
	}
}

// SampleHost takes one host-level sample.
func (s *Service) SampleHost(ctx context.Context) (domain.HostMetrics, error) {
	sample, err := s.sampler(ctx)
	if err != nil {
		return domain.HostMetrics{}, fmt.Errorf("sample host: %w", err)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	s.gauges.recordHost(sample)
	return sample, nil
}

// SampleApplication samples the application's live container. It returns
// repository.ErrNotFound for an unknown application and
// ErrNoActiveDeployment when nothing is running for it. A container that
// disappeared between lookup and read yields zeroed stats, not an error.
func (s *Service) SampleApplication(ctx context.Context, appID string) (domain.AppMetrics, error) {
	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		return domain.AppMetrics{}, err
	}

	deployment, err := s.deployments.GetLatestSuccessful(ctx, app.ID, "")
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.AppMetrics{}, ErrNoActiveDeployment
		}
		return domain.AppMetrics{}, fmt.Errorf("find active deployment: %w", err)
	}
	if deployment.ContainerID == "" {
		return domain.AppMetrics{}, ErrNoActiveDeployment
	}

	stats, err := s.stats.ContainerStats(ctx, deployment.ContainerID)
	if err != nil {
		return domain.AppMetrics{}, fmt.Errorf("container stats: %w", err)
	}

	sample := domain.AppMetrics{
		ApplicationID:  app.ID,
		ContainerID:    deployment.ContainerID,
		CPUPercent:     stats.CPUPercent,
		MemoryMB:       stats.MemoryMB,
		NetworkRxBytes: stats.NetworkRxBytes,
		NetworkTxBytes: stats.NetworkTxBytes,
		Timestamp:      time.Now().UTC(),
	}
	s.gauges.recordApp(sample)
	return sample, nil
}

// Run samples everything on a fixed interval and broadcasts each sample
// until ctx is cancelled. One bad sample never stops the loop.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("monitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("monitor stopped")
			return
		case <-ticker.C:
			s.sampleAll(ctx)
		}
	}
}

func (s *Service) sampleAll(ctx context.Context) {
	if host, err := s.SampleHost(ctx); err != nil {
		s.log.Error("host sample failed", "error", err)
	} else {
		s.publish(HostChannel, host)
	}

	// Liveness comes from the deployment records: an application whose
	// redeploy failed keeps its previous container serving, and that
	// container must keep getting sampled even though the application's
	// status mirror says failed.
	live, err := s.deployments.ListLiveDeployments(ctx)
	if err != nil {
		s.log.Error("list live deployments", "error", err)
		return
	}
	for _, deployment := range live {
		sample, err := s.SampleApplication(ctx, deployment.ApplicationID)
		if err != nil {
			// The app or its container can disappear between listing and
			// sampling; both are quiet skips.
			if !errors.Is(err, ErrNoActiveDeployment) && !errors.Is(err, repository.ErrNotFound) {
				s.log.Error("app sample failed", "app_id", deployment.ApplicationID, "error", err)
			}
			continue
		}
		s.publish(deployment.ApplicationID, sample)
	}
}

func (s *Service) publish(channel string, sample any) {
	payload, err := json.Marshal(sample)
	if err != nil {
		s.log.Error("encode sample", "channel", channel, "error", err)
		return
	}
	s.hub.Broadcast(channel, payload)
}
