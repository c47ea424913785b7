package apps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/repository"
)

const (
	minMemoryMB = 128
	maxMemoryMB = 16384
	maxEnvVars  = 100
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// ErrValidation marks a rejected application payload.
var ErrValidation = errors.New("invalid application")

// Engine stops containers of deleted applications.
type Engine interface {
	StopContainer(ctx context.Context, containerID string) error
}

// Router removes routes of deleted applications.
type Router interface {
	Remove(ctx context.Context, appID string) error
}

// Service manages application records and their lifecycle outside of
// deployments.
type Service struct {
	apps        repository.ApplicationRepository
	deployments repository.DeploymentRepository
	engine      Engine
	router      Router
	log         *slog.Logger
}

// New constructs the application service.
func New(apps repository.ApplicationRepository, deployments repository.DeploymentRepository, engine Engine, router Router, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		apps:        apps,
		deployments: deployments,
		engine:      engine,
		router:      router,
		log:         log.With("component", "apps"),
	}
}

// CreateInput is the payload for registering an application.
type CreateInput struct {
	OwnerID       string
	Name          string
	RepoURL       string
	Branch        string
	CPULimit      float64
	MemoryLimitMB int64
	AutoDeploy    bool
	EnvVars       map[string]string
}

// Create validates and registers an application. Names are unique per owner.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Application, error) {
	if err := validate(in.Name, in.RepoURL, in.CPULimit, in.MemoryLimitMB, in.EnvVars); err != nil {
		return nil, err
	}
	branch := in.Branch
	if branch == "" {
		branch = "main"
	}
	now := time.Now().UTC()
	app := &domain.Application{
		ID:            uuid.NewString(),
		OwnerID:       in.OwnerID,
		Name:          in.Name,
		RepoURL:       in.RepoURL,
		Branch:        branch,
		CPULimit:      in.CPULimit,
		MemoryLimitMB: in.MemoryLimitMB,
		AutoDeploy:    in.AutoDeploy,
		EnvVars:       in.EnvVars,
		Status:        domain.AppStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.apps.CreateApplication(ctx, app); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: name %q already in use", ErrValidation, in.Name)
		}
		return nil, err
	}
	s.log.Info("application created", "app_id", app.ID, "name", app.Name, "owner_id", app.OwnerID)
	return app, nil
}

// Get returns one application.
func (s *Service) Get(ctx context.Context, id string) (*domain.Application, error) {
	return s.apps.GetApplicationByID(ctx, id)
}

// List returns the owner's applications.
func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Application, error) {
	return s.apps.ListApplicationsByOwner(ctx, ownerID)
}

// Update applies a partial update. Changed limits take effect on the next
// deployment; the running container keeps its old limits.
func (s *Service) Update(ctx context.Context, id string, update domain.ApplicationUpdate) (*domain.Application, error) {
	if update.CPULimit != nil && *update.CPULimit <= 0 {
		return nil, fmt.Errorf("%w: cpu limit must be positive", ErrValidation)
	}
	if update.MemoryLimitMB != nil {
		if err := validateMemory(*update.MemoryLimitMB); err != nil {
			return nil, err
		}
	}
	if update.EnvVars != nil && len(update.EnvVars) > maxEnvVars {
		return nil, fmt.Errorf("%w: at most %d env vars", ErrValidation, maxEnvVars)
	}
	if err := s.apps.UpdateApplication(ctx, id, update); err != nil {
		return nil, err
	}
	return s.apps.GetApplicationByID(ctx, id)
}

// Delete tears the application down: its live container is stopped, its
// route removed, and the record (with deployment history) deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	app, err := s.apps.GetApplicationByID(ctx, id)
	if err != nil {
		return err
	}

	active, err := s.deployments.GetLatestSuccessful(ctx, app.ID, "")
	if err == nil && active.ContainerID != "" {
		if err := s.engine.StopContainer(ctx, active.ContainerID); err != nil {
			return fmt.Errorf("stop container %s: %w", active.ContainerID, err)
		}
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("find active deployment: %w", err)
	}

	if err := s.router.Remove(ctx, app.ID); err != nil {
		s.log.Error("remove route", "app_id", app.ID, "error", err)
	}
	if err := s.apps.DeleteApplication(ctx, app.ID); err != nil {
		return err
	}
	s.log.Info("application deleted", "app_id", app.ID, "name", app.Name)
	return nil
}

func validate(name, repoURL string, cpu float64, memoryMB int64, env map[string]string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name must be 3-64 lowercase letters, digits or hyphens", ErrValidation)
	}
	if repoURL == "" {
		return fmt.Errorf("%w: repo url required", ErrValidation)
	}
	if cpu <= 0 {
		return fmt.Errorf("%w: cpu limit must be positive", ErrValidation)
	}
	if err := validateMemory(memoryMB); err != nil {
		return err
	}
	if len(env) > maxEnvVars {
		return fmt.Errorf("%w: at most %d env vars", ErrValidation, maxEnvVars)
	}
	return nil
}

func validateMemory(memoryMB int64) error {
	if memoryMB < minMemoryMB || memoryMB > maxMemoryMB {
		return fmt.Errorf("%w: memory limit must be between %d and %d MB", ErrValidation, minMemoryMB, maxMemoryMB)
	}
	if memoryMB%64 != 0 {
		return fmt.Errorf("%w: memory limit must be a multiple of 64 MB", ErrValidation)
	}
	return nil
}
