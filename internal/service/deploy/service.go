package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/engine"
	"github.com/benny-png/QUARK/internal/repository"
)

// rollbackTimeout bounds cleanup work after the deploy context has expired.
const rollbackTimeout = 30 * time.Second

// Engine is the container runtime surface the orchestrator drives.
type Engine interface {
	BuildImage(ctx context.Context, repoURL, ref, tag string) error
	RunContainer(ctx context.Context, name, image string, cpuCores float64, memoryMB int64, env []string) (engine.ContainerInfo, error)
	InspectContainer(ctx context.Context, containerID string) (engine.ContainerState, error)
	StopContainer(ctx context.Context, containerID string) error
}

// Admitter decides whether an application's resource limits fit the host.
type Admitter interface {
	Guard() func()
	Allocate(ctx context.Context, app *domain.Application) error
}

// Router points an application's public domain at a container address.
type Router interface {
	Apply(ctx context.Context, appID, appName, address string) error
}

// Retirer shuts down the superseded deployment once a new one is live.
type Retirer interface {
	RetirePrevious(ctx context.Context, appID, keepDeploymentID string) error
}

// Service runs deployments through their lifecycle:
// pending -> building -> deploying -> successful | failed.
type Service struct {
	apps        repository.ApplicationRepository
	deployments repository.DeploymentRepository
	engine      Engine
	admitter    Admitter
	router      Router
	retirer     Retirer
	log         *slog.Logger

	deployTimeout time.Duration
	healthGrace   time.Duration

	locks appLocks
	wait  func(ctx context.Context, d time.Duration) error
}

// Options bounds the deployment lifecycle.
type Options struct {
	DeployTimeout    time.Duration
	HealthCheckGrace time.Duration
}

// New constructs the deployment orchestrator.
func New(
	apps repository.ApplicationRepository,
	deployments repository.DeploymentRepository,
	eng Engine,
	admitter Admitter,
	router Router,
	retirer Retirer,
	opts Options,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.DeployTimeout <= 0 {
		opts.DeployTimeout = 15 * time.Minute
	}
	return &Service{
		apps:          apps,
		deployments:   deployments,
		engine:        eng,
		admitter:      admitter,
		router:        router,
		retirer:       retirer,
		log:           log.With("component", "deploy"),
		deployTimeout: opts.DeployTimeout,
		healthGrace:   opts.HealthCheckGrace,
		wait:          sleepCtx,
	}
}

// Create records a pending deployment for the application. It refuses to
// queue a second deployment while one is still in flight.
func (s *Service) Create(ctx context.Context, appID, commitSHA string) (*domain.Deployment, error) {
	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		return nil, err
	}

	_, err = s.deployments.GetActiveDeployment(ctx, app.ID)
	switch {
	case err == nil:
		return nil, ErrConflict
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("check active deployment: %w", err)
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		CommitSHA:     commitSHA,
		Status:        domain.DeployStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		// The store enforces one in-flight deployment per application, so a
		// concurrent create that slipped past the read above loses here.
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.log.Info("deployment created", "deployment_id", deployment.ID, "app_id", app.ID, "commit", commitSHA)
	return deployment, nil
}

// Execute drives a pending deployment to a terminal state and returns it.
// Deploy failures are not returned as errors: the deployment comes back
// FAILED with the failing stage recorded in its logs. The error return is
// reserved for lookups and state conflicts.
func (s *Service) Execute(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != domain.DeployStatusPending {
		return nil, fmt.Errorf("%w: deployment %s is %s", ErrNotPending, deployment.ID, deployment.Status)
	}

	unlock, ok := s.locks.tryLock(deployment.ApplicationID)
	if !ok {
		return nil, ErrConflict
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.deployTimeout)
	defer cancel()

	app, err := s.apps.GetApplicationByID(ctx, deployment.ApplicationID)
	if err != nil {
		return nil, err
	}

	log := s.log.With("deployment_id", deployment.ID, "app_id", app.ID)
	start := time.Now()

	ref := deployment.CommitSHA
	if ref == "" {
		ref = app.Branch
	}

	if err := s.setStatus(ctx, deployment.ID, domain.DeployStatusBuilding, nil, ""); err != nil {
		return nil, err
	}
	tag := imageTag(app, ref)
	if err := s.engine.BuildImage(ctx, app.RepoURL, ref, tag); err != nil {
		return s.fail(ctx, deployment.ID, app, "", "build", err)
	}

	// The guard spans the availability check and container start so that
	// in serialize mode no concurrent deployment can slip between them.
	release := s.admitter.Guard()
	if err := s.admitter.Allocate(ctx, app); err != nil {
		release()
		return s.fail(ctx, deployment.ID, app, "", "admission", err)
	}
	info, err := s.engine.RunContainer(ctx, containerName(app, deployment.ID), tag, app.CPULimit, app.MemoryLimitMB, containerEnv(app))
	release()
	if err != nil {
		return s.fail(ctx, deployment.ID, app, "", "start", err)
	}

	if err := s.setStatus(ctx, deployment.ID, domain.DeployStatusDeploying, &info.ID, ""); err != nil {
		return s.fail(ctx, deployment.ID, app, info.ID, "record", err)
	}

	if err := s.wait(ctx, s.healthGrace); err != nil {
		return s.fail(ctx, deployment.ID, app, info.ID, "health", err)
	}
	state, err := s.engine.InspectContainer(ctx, info.ID)
	if err != nil {
		return s.fail(ctx, deployment.ID, app, info.ID, "health", err)
	}
	if !state.Running {
		return s.fail(ctx, deployment.ID, app, info.ID, "health", errors.New("container exited during grace period"))
	}

	address := state.Address
	if address == "" {
		address = info.Address
	}
	if err := s.router.Apply(ctx, app.ID, app.Name, address); err != nil {
		return s.fail(ctx, deployment.ID, app, info.ID, "route", err)
	}

	if err := s.setStatus(ctx, deployment.ID, domain.DeployStatusSuccessful, &info.ID, ""); err != nil {
		return s.fail(ctx, deployment.ID, app, info.ID, "record", err)
	}
	if err := s.apps.UpdateApplicationStatus(ctx, app.ID, domain.AppStatusRunning); err != nil {
		log.Error("update app status", "error", err)
	}
	if err := s.retirer.RetirePrevious(ctx, app.ID, deployment.ID); err != nil {
		log.Error("retire previous deployment", "error", err)
	}

	log.Info("deployment successful", "container_id", info.ID, "address", address, "elapsed", time.Since(start))
	return s.deployments.GetDeploymentByID(ctx, deployment.ID)
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByApplication returns the application's deployment history, newest
// first.
func (s *Service) ListByApplication(ctx context.Context, appID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.deployments.ListDeploymentsByApplication(ctx, appID, limit)
}

// Run creates and immediately executes a deployment.
func (s *Service) Run(ctx context.Context, appID, commitSHA string) (*domain.Deployment, error) {
	deployment, err := s.Create(ctx, appID, commitSHA)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, deployment.ID)
}

// fail rolls the deployment back: the started container (if any) is stopped
// and its handle cleared, the deployment is marked FAILED with the failing
// stage, and the application is marked failed. Rollback runs on a fresh
// deadline so an expired deploy context cannot strand a container.
func (s *Service) fail(ctx context.Context, deploymentID string, app *domain.Application, containerID, stage string, cause error) (*domain.Deployment, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	s.log.Error("deployment failed", "deployment_id", deploymentID, "app_id", app.ID, "stage", stage, "error", cause)

	var clearContainer *string
	if containerID != "" {
		if err := s.engine.StopContainer(ctx, containerID); err != nil {
			// Handle stays recorded so the failed sweep can retry the stop.
			s.log.Error("rollback stop failed", "deployment_id", deploymentID, "container_id", containerID, "error", err)
		} else {
			empty := ""
			clearContainer = &empty
		}
	}

	update := domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.DeployStatusFailed,
		ContainerID:  clearContainer,
		Logs:         fmt.Sprintf("%s: %v", stage, cause),
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return nil, fmt.Errorf("record deployment failure: %w", err)
	}
	if err := s.apps.UpdateApplicationStatus(ctx, app.ID, domain.AppStatusFailed); err != nil {
		s.log.Error("update app status", "app_id", app.ID, "error", err)
	}
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

func (s *Service) setStatus(ctx context.Context, deploymentID, status string, containerID *string, logs string) error {
	return s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       status,
		ContainerID:  containerID,
		Logs:         logs,
	})
}

func imageTag(app *domain.Application, ref string) string {
	short := sanitizeRef(ref)
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("quark/%s:%s", app.Name, short)
}

func containerName(app *domain.Application, deploymentID string) string {
	short := deploymentID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("quark_%s_%s", app.Name, short)
}

func containerEnv(app *domain.Application) []string {
	keys := make([]string, 0, len(app.EnvVars))
	for k := range app.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+app.EnvVars[k])
	}
	return env
}

func sanitizeRef(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ref) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "latest"
	}
	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
