package domain

import "time"

// Application status values mirror the effect of the latest deployment.
const (
	AppStatusCreated = "created"
	AppStatusRunning = "running"
	AppStatusFailed  = "failed"
	AppStatusStopped = "stopped"
)

// Application describes a git-backed deployable unit owned by a single user.
type Application struct {
	ID            string
	OwnerID       string
	Name          string
	RepoURL       string
	Branch        string
	CPULimit      float64
	MemoryLimitMB int64
	AutoDeploy    bool
	EnvVars       map[string]string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ApplicationUpdate carries a partial update; nil fields are left untouched.
type ApplicationUpdate struct {
	RepoURL       *string
	Branch        *string
	CPULimit      *float64
	MemoryLimitMB *int64
	AutoDeploy    *bool
	EnvVars       map[string]string
}
