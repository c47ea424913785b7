package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	cpuPeriodMicros = 100_000
	stopTimeoutSecs = 10
)

// ContainerInfo captures what the pipeline needs from a started container.
type ContainerInfo struct {
	ID      string
	Address string
}

// ContainerState reports a container's liveness and reachable address.
type ContainerState struct {
	Running bool
	Address string
}

// RunContainer creates and starts a container with CPU and memory limits and
// the application's environment. A previous container with the same name is
// removed first so redeploys of an application never collide on the name.
func (c *Client) RunContainer(ctx context.Context, name, image string, cpuCores float64, memoryMB int64, env []string) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}
	if err := c.removeContainer(ctx, name); err != nil {
		c.log.Warn("remove existing container failed", "name", name, "error", err)
	}

	appPort := nat.Port(fmt.Sprintf("%d/tcp", c.appPort))
	cfg := &container.Config{
		Image:        image,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{appPort: {}},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			CPUPeriod: cpuPeriodMicros,
			CPUQuota:  int64(cpuCores * cpuPeriodMicros),
			Memory:    memoryMB * 1024 * 1024,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	state, err := c.InspectContainer(ctx, created.ID)
	if err != nil {
		return ContainerInfo{}, err
	}
	return ContainerInfo{ID: created.ID, Address: state.Address}, nil
}

// InspectContainer reports whether the container is running and where it can
// be reached. A missing container yields ErrNotFound.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (ContainerState, error) {
	if strings.TrimSpace(containerID) == "" {
		return ContainerState{}, fmt.Errorf("container id cannot be empty")
	}
	inspect, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}

	state := ContainerState{}
	if inspect.State != nil {
		state.Running = inspect.State.Running
	}
	if ip := containerIP(inspect); ip != "" {
		state.Address = fmt.Sprintf("%s:%d", ip, c.appPort)
	}
	return state, nil
}

// StopContainer stops and removes a container. A container that is already
// gone is not an error.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	timeout := stopTimeoutSecs
	if err := c.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return c.removeContainer(ctx, containerID)
}

func (c *Client) removeContainer(ctx context.Context, nameOrID string) error {
	if err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
