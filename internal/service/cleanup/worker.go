package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/benny-png/QUARK/internal/repository"
)

// Engine is the subset of the container runtime the worker needs.
type Engine interface {
	StopContainer(ctx context.Context, containerID string) error
}

// Worker reclaims containers left behind by superseded and failed
// deployments. All operations are idempotent: a deployment whose handle is
// already cleared costs nothing on the next pass.
type Worker struct {
	deployments repository.DeploymentRepository
	engine      Engine
	log         *slog.Logger
}

// New constructs a cleanup Worker.
func New(deployments repository.DeploymentRepository, engine Engine, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		deployments: deployments,
		engine:      engine,
		log:         log.With("component", "cleanup"),
	}
}

// RetirePrevious stops the container of the most recent successful
// deployment other than keepDeploymentID. Called after a new deployment
// goes live, once its route is already serving.
func (w *Worker) RetirePrevious(ctx context.Context, appID, keepDeploymentID string) error {
	previous, err := w.deployments.GetLatestSuccessful(ctx, appID, keepDeploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find previous deployment: %w", err)
	}
	if previous.ContainerID == "" {
		return nil
	}
	if err := w.engine.StopContainer(ctx, previous.ContainerID); err != nil {
		return fmt.Errorf("stop previous container %s: %w", previous.ContainerID, err)
	}
	if err := w.deployments.ClearContainer(ctx, previous.ID); err != nil {
		return fmt.Errorf("clear previous container handle: %w", err)
	}
	w.log.Info("previous deployment retired", "app_id", appID, "deployment_id", previous.ID, "container_id", previous.ContainerID)
	return nil
}

// SweepFailed stops containers still recorded on failed deployments. A stop
// failure leaves the handle in place for the next sweep; the sweep continues
// past it so one stuck container cannot shadow the rest.
func (w *Worker) SweepFailed(ctx context.Context) error {
	failed, err := w.deployments.ListFailedWithContainers(ctx)
	if err != nil {
		return fmt.Errorf("list failed deployments: %w", err)
	}
	var firstErr error
	for _, deployment := range failed {
		if err := w.engine.StopContainer(ctx, deployment.ContainerID); err != nil {
			w.log.Error("sweep stop failed", "deployment_id", deployment.ID, "container_id", deployment.ContainerID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := w.deployments.ClearContainer(ctx, deployment.ID); err != nil {
			w.log.Error("sweep clear failed", "deployment_id", deployment.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.log.Info("failed deployment swept", "deployment_id", deployment.ID, "container_id", deployment.ContainerID)
	}
	return firstErr
}

// Run sweeps failed deployments on a fixed interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.log.Info("cleanup worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			if err := w.SweepFailed(ctx); err != nil {
				w.log.Error("sweep pass incomplete", "error", err)
			}
		}
	}
}
