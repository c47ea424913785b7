package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.ApplicationRepository = (*Repository)(nil)
	_ repository.DeploymentRepository  = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if isDuplicate(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

const applicationColumns = `id, owner_id, name, repo_url, branch, cpu_limit,
	memory_limit_mb, auto_deploy, env_vars, status, created_at, updated_at`

// CreateApplication inserts an application record.
func (r *Repository) CreateApplication(ctx context.Context, app *domain.Application) error {
	const query = `INSERT INTO applications (id, owner_id, name, repo_url, branch, cpu_limit,
			memory_limit_mb, auto_deploy, env_vars, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	envVars, err := marshalEnvVars(app.EnvVars)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query, app.ID, app.OwnerID, app.Name, app.RepoURL, app.Branch,
		app.CPULimit, app.MemoryLimitMB, app.AutoDeploy, envVars, app.Status, app.CreatedAt, app.UpdatedAt)
	if isDuplicate(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetApplicationByID retrieves an application by identifier.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	return r.scanApplication(r.pool.QueryRow(ctx, query, id))
}

// GetApplicationByOwnerAndName retrieves an application by its unique owner-scoped name.
func (r *Repository) GetApplicationByOwnerAndName(ctx context.Context, ownerID, name string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE owner_id = $1 AND name = $2`
	return r.scanApplication(r.pool.QueryRow(ctx, query, ownerID, name))
}

// GetApplicationByRepo resolves an application from its repository URL and branch.
func (r *Repository) GetApplicationByRepo(ctx context.Context, repoURL, branch string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE repo_url = $1 AND branch = $2`
	return r.scanApplication(r.pool.QueryRow(ctx, query, repoURL, branch))
}

// ListApplications returns every registered application.
func (r *Repository) ListApplications(ctx context.Context) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectApplications(rows)
}

// ListApplicationsByOwner returns the owner's applications.
func (r *Repository) ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE owner_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectApplications(rows)
}

// UpdateApplication applies a partial update; nil fields keep their stored value.
func (r *Repository) UpdateApplication(ctx context.Context, id string, update domain.ApplicationUpdate) error {
	const query = `UPDATE applications SET
			repo_url = COALESCE($2, repo_url),
			branch = COALESCE($3, branch),
			cpu_limit = COALESCE($4, cpu_limit),
			memory_limit_mb = COALESCE($5, memory_limit_mb),
			auto_deploy = COALESCE($6, auto_deploy),
			env_vars = COALESCE($7, env_vars),
			updated_at = $8
		WHERE id = $1`
	var envVars []byte
	if update.EnvVars != nil {
		payload, err := marshalEnvVars(update.EnvVars)
		if err != nil {
			return err
		}
		envVars = payload
	}
	tag, err := r.pool.Exec(ctx, query, id, update.RepoURL, update.Branch, update.CPULimit,
		update.MemoryLimitMB, update.AutoDeploy, envVars, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateApplicationStatus records the lifecycle status mirror.
func (r *Repository) UpdateApplicationStatus(ctx context.Context, id, status string) error {
	const query = `UPDATE applications SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteApplication removes an application and its deployment history.
func (r *Repository) DeleteApplication(ctx context.Context, id string) error {
	const query = `DELETE FROM applications WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const deploymentColumns = `id, application_id, commit_sha, status, container_id, logs, created_at, updated_at`

// CreateDeployment inserts a deployment record. A second in-flight deployment
// for the same application trips the partial unique index and comes back as
// ErrDuplicate.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, application_id, commit_sha, status, container_id, logs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.ApplicationID, deployment.CommitSHA,
		deployment.Status, deployment.ContainerID, deployment.Logs, deployment.CreatedAt, deployment.UpdatedAt)
	if isDuplicate(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// ListDeploymentsByApplication returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByApplication(ctx context.Context, appID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE application_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectDeployments(rows)
}

// GetActiveDeployment returns the in-flight deployment for an application, if any.
func (r *Repository) GetActiveDeployment(ctx context.Context, appID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE application_id = $1 AND status IN ('pending', 'building', 'deploying')
		ORDER BY created_at DESC LIMIT 1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, appID))
}

// GetLatestSuccessful returns the newest successful deployment, optionally excluding one id.
func (r *Repository) GetLatestSuccessful(ctx context.Context, appID, excludeID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE application_id = $1 AND status = 'successful' AND ($2 = '' OR id <> $2)
		ORDER BY created_at DESC LIMIT 1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, appID, excludeID))
}

// ListFailedWithContainers returns failed deployments still holding a container id.
func (r *Repository) ListFailedWithContainers(ctx context.Context) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = 'failed' AND container_id IS NOT NULL ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectDeployments(rows)
}

// ListLiveDeployments returns each application's newest successful deployment
// that still references a container.
func (r *Repository) ListLiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	query := `SELECT DISTINCT ON (application_id) ` + deploymentColumns + ` FROM deployments
		WHERE status = 'successful' AND container_id IS NOT NULL
		ORDER BY application_id, created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectDeployments(rows)
}

// UpdateDeploymentStatus mutates a deployment's status, container id and log text.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
			status = COALESCE(NULLIF($2, ''), status),
			container_id = CASE WHEN $3::text IS NULL THEN container_id ELSE NULLIF($3, '') END,
			logs = COALESCE(NULLIF($4, ''), logs),
			updated_at = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Status, update.ContainerID,
		update.Logs, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClearContainer nulls the container handle after the container is stopped.
func (r *Repository) ClearContainer(ctx context.Context, deploymentID string) error {
	const query = `UPDATE deployments SET container_id = NULL, updated_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanApplication(row rowScanner) (*domain.Application, error) {
	var (
		app     domain.Application
		envVars []byte
	)
	err := row.Scan(&app.ID, &app.OwnerID, &app.Name, &app.RepoURL, &app.Branch, &app.CPULimit,
		&app.MemoryLimitMB, &app.AutoDeploy, &envVars, &app.Status, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &app.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars: %w", err)
		}
	}
	return &app, nil
}

func (r *Repository) collectApplications(rows pgx.Rows) ([]domain.Application, error) {
	var apps []domain.Application
	for rows.Next() {
		app, err := r.scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

func (r *Repository) scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d           domain.Deployment
		containerID *string
	)
	err := row.Scan(&d.ID, &d.ApplicationID, &d.CommitSHA, &d.Status, &containerID, &d.Logs,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if containerID != nil {
		d.ContainerID = *containerID
	}
	return &d, nil
}

func (r *Repository) collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := r.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func marshalEnvVars(envVars map[string]string) ([]byte, error) {
	if envVars == nil {
		envVars = map[string]string{}
	}
	payload, err := json.Marshal(envVars)
	if err != nil {
		return nil, fmt.Errorf("encode env vars: %w", err)
	}
	return payload, nil
}
