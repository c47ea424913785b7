package repository

import (
	"context"

	"github.com/benny-png/QUARK/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ApplicationRepository persists application configuration.
type ApplicationRepository interface {
	CreateApplication(ctx context.Context, app *domain.Application) error
	GetApplicationByID(ctx context.Context, id string) (*domain.Application, error)
	GetApplicationByOwnerAndName(ctx context.Context, ownerID, name string) (*domain.Application, error)
	GetApplicationByRepo(ctx context.Context, repoURL, branch string) (*domain.Application, error)
	ListApplications(ctx context.Context) ([]domain.Application, error)
	ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error)
	UpdateApplication(ctx context.Context, id string, update domain.ApplicationUpdate) error
	UpdateApplicationStatus(ctx context.Context, id, status string) error
	DeleteApplication(ctx context.Context, id string) error
}

// DeploymentRepository stores deployment history and state.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByApplication(ctx context.Context, appID string, limit int) ([]domain.Deployment, error)
	// GetActiveDeployment returns the deployment currently in a non-terminal
	// state for the application, or ErrNotFound when none is in flight.
	GetActiveDeployment(ctx context.Context, appID string) (*domain.Deployment, error)
	// GetLatestSuccessful returns the most recent successful deployment for
	// the application, skipping excludeID when non-empty.
	GetLatestSuccessful(ctx context.Context, appID, excludeID string) (*domain.Deployment, error)
	ListFailedWithContainers(ctx context.Context) ([]domain.Deployment, error)
	// ListLiveDeployments returns, per application, the newest successful
	// deployment that still holds a container handle.
	ListLiveDeployments(ctx context.Context) ([]domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	ClearContainer(ctx context.Context, deploymentID string) error
}
