package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/repository"
)

var (
	// ErrInvalidSignature marks a payload whose HMAC does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrIgnored marks pushes that should not trigger a deployment.
	ErrIgnored = errors.New("push ignored")
)

// Deployer triggers a deployment for an application at a commit.
type Deployer interface {
	Run(ctx context.Context, appID, commitSHA string) (*domain.Deployment, error)
}

// Service turns GitHub push events into deployments.
type Service struct {
	apps     repository.ApplicationRepository
	deployer Deployer
	secret   []byte
	log      *slog.Logger
}

// New constructs a webhook service. The secret is shared across hooks.
func New(apps repository.ApplicationRepository, deployer Deployer, secret string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		apps:     apps,
		deployer: deployer,
		secret:   []byte(secret),
		log:      log.With("component", "webhook"),
	}
}

// pushEvent is the subset of GitHub's push payload the service reads.
type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

// ValidateSignature checks the X-Hub-Signature-256 header against the raw
// payload.
func (s *Service) ValidateSignature(payload []byte, provided string) error {
	if len(s.secret) == 0 {
		return errors.New("webhook secret not configured")
	}
	provided = strings.TrimPrefix(provided, "sha256=")
	if provided == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// HandlePush resolves the pushed repository and branch to an application and
// deploys the pushed commit when auto-deploy is enabled. Pushes to other
// branches, unknown repositories, and branch deletions return ErrIgnored.
func (s *Service) HandlePush(ctx context.Context, payload []byte) (*domain.Deployment, error) {
	var event pushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode push event: %w", err)
	}

	branch, ok := strings.CutPrefix(event.Ref, "refs/heads/")
	if !ok {
		return nil, fmt.Errorf("%w: ref %q is not a branch", ErrIgnored, event.Ref)
	}
	if event.After == "" || event.After == strings.Repeat("0", 40) {
		return nil, fmt.Errorf("%w: branch deleted", ErrIgnored)
	}

	app, err := s.lookupApp(ctx, event, branch)
	if err != nil {
		return nil, err
	}
	if !app.AutoDeploy {
		return nil, fmt.Errorf("%w: auto-deploy disabled for %s", ErrIgnored, app.Name)
	}

	s.log.Info("push accepted", "app_id", app.ID, "branch", branch, "commit", event.After)
	return s.deployer.Run(ctx, app.ID, event.After)
}

func (s *Service) lookupApp(ctx context.Context, event pushEvent, branch string) (*domain.Application, error) {
	for _, url := range []string{event.Repository.CloneURL, event.Repository.HTMLURL} {
		if url == "" {
			continue
		}
		app, err := s.apps.GetApplicationByRepo(ctx, url, branch)
		if err == nil {
			return app, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no application for repository on branch %s", ErrIgnored, branch)
}
