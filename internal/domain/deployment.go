package domain

import "time"

const (
	DeployStatusPending    = "pending"
	DeployStatusBuilding   = "building"
	DeployStatusDeploying  = "deploying"
	DeployStatusSuccessful = "successful"
	DeployStatusFailed     = "failed"
)

// TerminalDeployStatus reports whether a deployment can no longer change state.
func TerminalDeployStatus(status string) bool {
	return status == DeployStatusSuccessful || status == DeployStatusFailed
}

// Deployment captures a single deployment attempt of an application at a
// specific commit. The commit SHA never changes after creation; the container
// id is set only while a container started for this deployment is alive.
type Deployment struct {
	ID            string
	ApplicationID string
	CommitSHA     string
	Status        string
	ContainerID   string
	Logs          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeploymentStatusUpdate carries mutable deployment fields. ContainerID is a
// pointer so a caller can distinguish "leave as is" (nil) from "clear"
// (pointer to empty string).
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	ContainerID  *string
	Logs         string
}
