package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/benny-png/QUARK/internal/workspace"
)

// Client wraps the Docker SDK with the build/run/inspect/stats/stop surface
// the deployment pipeline needs.
type Client struct {
	inner        *client.Client
	ws           *workspace.Manager
	log          *slog.Logger
	appPort      int
	buildTimeout time.Duration
	gitTimeout   time.Duration
}

// Options configures a Client. Host overrides the daemon address from the
// environment; AppPort is the port application containers listen on. Zero
// timeouts disable the per-stage bounds.
type Options struct {
	Host         string
	AppPort      int
	BuildTimeout time.Duration
	GitTimeout   time.Duration
}

// New creates a Client using environment defaults.
func New(opts Options, ws *workspace.Manager, log *slog.Logger) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	inner, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		inner:        inner,
		ws:           ws,
		log:          log,
		appPort:      opts.AppPort,
		buildTimeout: opts.BuildTimeout,
		gitTimeout:   opts.GitTimeout,
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
