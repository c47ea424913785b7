package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"

	"github.com/benny-png/QUARK/internal/gitutil"
)

// BuildImage clones the repository at the given ref into an isolated
// workspace, builds an image from its Dockerfile and tags it. The workspace
// is removed when the build finishes, successful or not.
func (c *Client) BuildImage(ctx context.Context, repoURL, ref, tag string) error {
	if c.ws == nil {
		return fmt.Errorf("workspace manager not initialised")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	dir, err := c.ws.Prepare(sanitizeWorkspaceID(tag))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.ws.Cleanup(dir); err != nil {
			c.log.Warn("build workspace cleanup failed", "dir", dir, "error", err)
		}
	}()

	cloneCtx, cancelClone := bounded(ctx, c.gitTimeout)
	defer cancelClone()
	if err := gitutil.CloneAtRef(cloneCtx, repoURL, ref, dir); err != nil {
		return err
	}

	buildCtx, cancelBuild := bounded(ctx, c.buildTimeout)
	defer cancelBuild()
	return c.buildDir(buildCtx, dir, tag)
}

// bounded caps ctx with d when d is positive.
func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (c *Client) buildDir(ctx context.Context, dir, tag string) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			c.log.Debug("build output", "image", tag, "line", line)
		}
	}
	return nil
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func sanitizeWorkspaceID(tag string) string {
	return strings.NewReplacer("/", "-", ":", "-").Replace(tag)
}
