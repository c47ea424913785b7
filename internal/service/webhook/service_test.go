package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/repository"
)

type fakeAppRepo struct {
	byRepo map[string]*domain.Application
}

func repoKey(repoURL, branch string) string {
	return repoURL + "#" + branch
}

func (f *fakeAppRepo) CreateApplication(ctx context.Context, app *domain.Application) error {
	return nil
}

func (f *fakeAppRepo) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeAppRepo) GetApplicationByOwnerAndName(ctx context.Context, ownerID, name string) (*domain.Application, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeAppRepo) GetApplicationByRepo(ctx context.Context, repoURL, branch string) (*domain.Application, error) {
	app, ok := f.byRepo[repoKey(repoURL, branch)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return app, nil
}

func (f *fakeAppRepo) ListApplications(ctx context.Context) ([]domain.Application, error) {
	return nil, nil
}

func (f *fakeAppRepo) ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error) {
	return nil, nil
}

func (f *fakeAppRepo) UpdateApplication(ctx context.Context, id string, update domain.ApplicationUpdate) error {
	return nil
}

func (f *fakeAppRepo) UpdateApplicationStatus(ctx context.Context, id, status string) error {
	return nil
}

func (f *fakeAppRepo) DeleteApplication(ctx context.Context, id string) error {
	return nil
}

type fakeDeployer struct {
	calls  int
	appID  string
	commit string
	err    error
}

func (f *fakeDeployer) Run(ctx context.Context, appID, commitSHA string) (*domain.Deployment, error) {
	f.calls++
	f.appID = appID
	f.commit = commitSHA
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Deployment{ID: "d1", ApplicationID: appID, CommitSHA: commitSHA}, nil
}

func sign(secret string, payload []byte) string {
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(payload)
	return "sha256=" + hex.EncodeToString(hasher.Sum(nil))
}

func newTestService(apps *fakeAppRepo, deployer *fakeDeployer, secret string) *Service {
	return New(apps, deployer, secret, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const pushPayload = `{
	"ref": "refs/heads/main",
	"after": "1111111111111111111111111111111111111111",
	"repository": {
		"clone_url": "https://github.com/acme/demo.git",
		"html_url": "https://github.com/acme/demo"
	}
}`

func TestValidateSignature(t *testing.T) {
	svc := newTestService(&fakeAppRepo{}, &fakeDeployer{}, "topsecret")
	payload := []byte(pushPayload)

	if err := svc.ValidateSignature(payload, sign("topsecret", payload)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := svc.ValidateSignature(payload, sign("wrong", payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := svc.ValidateSignature(payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestHandlePushTriggersDeploy(t *testing.T) {
	app := &domain.Application{ID: "app-1", Branch: "main", AutoDeploy: true}
	apps := &fakeAppRepo{byRepo: map[string]*domain.Application{
		repoKey("https://github.com/acme/demo.git", "main"): app,
	}}
	deployer := &fakeDeployer{}

	svc := newTestService(apps, deployer, "topsecret")
	deployment, err := svc.HandlePush(context.Background(), []byte(pushPayload))
	if err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if deployer.calls != 1 || deployer.appID != "app-1" {
		t.Fatalf("expected one deploy for app-1, got %d for %q", deployer.calls, deployer.appID)
	}
	if deployment.CommitSHA != strings.Repeat("1", 40) {
		t.Fatalf("expected pushed commit deployed, got %q", deployment.CommitSHA)
	}
}

func TestHandlePushFallsBackToHTMLURL(t *testing.T) {
	app := &domain.Application{ID: "app-1", Branch: "main", AutoDeploy: true}
	apps := &fakeAppRepo{byRepo: map[string]*domain.Application{
		repoKey("https://github.com/acme/demo", "main"): app,
	}}
	deployer := &fakeDeployer{}

	svc := newTestService(apps, deployer, "topsecret")
	if _, err := svc.HandlePush(context.Background(), []byte(pushPayload)); err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if deployer.calls != 1 {
		t.Fatalf("expected one deploy, got %d", deployer.calls)
	}
}

func TestHandlePushIgnoresOtherBranch(t *testing.T) {
	app := &domain.Application{ID: "app-1", Branch: "production", AutoDeploy: true}
	apps := &fakeAppRepo{byRepo: map[string]*domain.Application{
		repoKey("https://github.com/acme/demo.git", "production"): app,
	}}
	deployer := &fakeDeployer{}

	svc := newTestService(apps, deployer, "topsecret")
	if _, err := svc.HandlePush(context.Background(), []byte(pushPayload)); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
	if deployer.calls != 0 {
		t.Fatalf("expected no deploys, got %d", deployer.calls)
	}
}

func TestHandlePushIgnoresDisabledAutoDeploy(t *testing.T) {
	app := &domain.Application{ID: "app-1", Branch: "main", AutoDeploy: false}
	apps := &fakeAppRepo{byRepo: map[string]*domain.Application{
		repoKey("https://github.com/acme/demo.git", "main"): app,
	}}
	deployer := &fakeDeployer{}

	svc := newTestService(apps, deployer, "topsecret")
	if _, err := svc.HandlePush(context.Background(), []byte(pushPayload)); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
	if deployer.calls != 0 {
		t.Fatalf("expected no deploys, got %d", deployer.calls)
	}
}

func TestHandlePushIgnoresBranchDeletion(t *testing.T) {
	payload := `{
		"ref": "refs/heads/main",
		"after": "0000000000000000000000000000000000000000",
		"repository": {"clone_url": "https://github.com/acme/demo.git"}
	}`
	svc := newTestService(&fakeAppRepo{}, &fakeDeployer{}, "topsecret")
	if _, err := svc.HandlePush(context.Background(), []byte(payload)); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
}

func TestHandlePushIgnoresTags(t *testing.T) {
	payload := `{
		"ref": "refs/tags/v1.0.0",
		"after": "1111111111111111111111111111111111111111",
		"repository": {"clone_url": "https://github.com/acme/demo.git"}
	}`
	svc := newTestService(&fakeAppRepo{}, &fakeDeployer{}, "topsecret")
	if _, err := svc.HandlePush(context.Background(), []byte(payload)); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
}
