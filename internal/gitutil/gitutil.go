package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// CloneAtRef clones the repository into dest and checks out the requested ref.
// The ref may be a commit SHA, tag, or branch name; when empty the default
// branch head is kept.
func CloneAtRef(ctx context.Context, repoURL, ref, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	if err := run(ctx, dest, "git", "clone", repoURL, "."); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if ref == "" {
		return nil
	}
	if err := run(ctx, dest, "git", "checkout", "--detach", ref); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", ref, err)
	}
	return nil
}

func run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
