package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/engine"
	"github.com/benny-png/QUARK/internal/repository"
)

type fakeAppRepo struct {
	apps        map[string]*domain.Application
	statusCalls []string
	lastStatus  string
}

func newFakeAppRepo(apps ...*domain.Application) *fakeAppRepo {
	repo := &fakeAppRepo{apps: make(map[string]*domain.Application)}
	for _, app := range apps {
		repo.apps[app.ID] = app
	}
	return repo
}

func (f *fakeAppRepo) CreateApplication(ctx context.Context, app *domain.Application) error {
	f.apps[app.ID] = app
	return nil
}

func (f *fakeAppRepo) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	app, ok := f.apps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *app
	return &copied, nil
}

func (f *fakeAppRepo) GetApplicationByOwnerAndName(ctx context.Context, ownerID, name string) (*domain.Application, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeAppRepo) GetApplicationByRepo(ctx context.Context, repoURL, branch string) (*domain.Application, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeAppRepo) ListApplications(ctx context.Context) ([]domain.Application, error) {
	out := make([]domain.Application, 0, len(f.apps))
	for _, app := range f.apps {
		out = append(out, *app)
	}
	return out, nil
}

func (f *fakeAppRepo) ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error) {
	return nil, nil
}

func (f *fakeAppRepo) UpdateApplication(ctx context.Context, id string, update domain.ApplicationUpdate) error {
	return nil
}

func (f *fakeAppRepo) UpdateApplicationStatus(ctx context.Context, id, status string) error {
	app, ok := f.apps[id]
	if !ok {
		return repository.ErrNotFound
	}
	app.Status = status
	f.statusCalls = append(f.statusCalls, status)
	f.lastStatus = status
	return nil
}

func (f *fakeAppRepo) DeleteApplication(ctx context.Context, id string) error {
	delete(f.apps, id)
	return nil
}

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	active      *domain.Deployment
	updates     []domain.DeploymentStatusUpdate
}

func newFakeDeploymentRepo(deployments ...*domain.Deployment) *fakeDeploymentRepo {
	repo := &fakeDeploymentRepo{deployments: make(map[string]*domain.Deployment)}
	for _, d := range deployments {
		repo.deployments[d.ID] = d
	}
	return repo
}

func (f *fakeDeploymentRepo) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Mirrors the store's partial unique index: at most one in-flight
	// deployment per application.
	for _, existing := range f.deployments {
		if existing.ApplicationID == deployment.ApplicationID && !domain.TerminalDeployStatus(existing.Status) {
			return repository.ErrDuplicate
		}
	}
	f.deployments[deployment.ID] = deployment
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *deployment
	return &copied, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByApplication(ctx context.Context, appID string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) GetActiveDeployment(ctx context.Context, appID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil, repository.ErrNotFound
	}
	copied := *f.active
	return &copied, nil
}

func (f *fakeDeploymentRepo) GetLatestSuccessful(ctx context.Context, appID, excludeID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) ListFailedWithContainers(ctx context.Context) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListLiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	deployment.Status = update.Status
	if update.ContainerID != nil {
		deployment.ContainerID = *update.ContainerID
	}
	if update.Logs != "" {
		deployment.Logs = update.Logs
	}
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeDeploymentRepo) ClearContainer(ctx context.Context, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	deployment.ContainerID = ""
	return nil
}

type fakeEngine struct {
	mu           sync.Mutex
	buildCalls   int
	buildErr     error
	runCalls     int
	runErr       error
	running      bool
	inspectErr   error
	stopCalls    []string
	stopErr      error
	containerID  string
	containerIP  string
	runBlockedCh chan struct{}
}

func (f *fakeEngine) BuildImage(ctx context.Context, repoURL, ref, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls++
	return f.buildErr
}

func (f *fakeEngine) RunContainer(ctx context.Context, name, image string, cpuCores float64, memoryMB int64, env []string) (engine.ContainerInfo, error) {
	f.mu.Lock()
	f.runCalls++
	f.mu.Unlock()
	if f.runBlockedCh != nil {
		<-f.runBlockedCh
	}
	if f.runErr != nil {
		return engine.ContainerInfo{}, f.runErr
	}
	return engine.ContainerInfo{ID: f.containerID, Address: f.containerIP}, nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, containerID string) (engine.ContainerState, error) {
	if f.inspectErr != nil {
		return engine.ContainerState{}, f.inspectErr
	}
	return engine.ContainerState{Running: f.running, Address: f.containerIP}, nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, containerID)
	return f.stopErr
}

type fakeAdmitter struct {
	allocateCalls int
	allocateErr   error
}

func (f *fakeAdmitter) Guard() func() { return func() {} }

func (f *fakeAdmitter) Allocate(ctx context.Context, app *domain.Application) error {
	f.allocateCalls++
	return f.allocateErr
}

type fakeRouter struct {
	applyCalls int
	applyErr   error
	lastAddr   string
}

func (f *fakeRouter) Apply(ctx context.Context, appID, appName, address string) error {
	f.applyCalls++
	f.lastAddr = address
	return f.applyErr
}

type fakeRetirer struct {
	calls  int
	appID  string
	keepID string
}

func (f *fakeRetirer) RetirePrevious(ctx context.Context, appID, keepDeploymentID string) error {
	f.calls++
	f.appID = appID
	f.keepID = keepDeploymentID
	return nil
}

func testApp() *domain.Application {
	return &domain.Application{
		ID:            uuid.NewString(),
		OwnerID:       uuid.NewString(),
		Name:          "demo",
		RepoURL:       "https://github.com/acme/demo.git",
		Branch:        "main",
		CPULimit:      0.5,
		MemoryLimitMB: 512,
		Status:        domain.AppStatusCreated,
	}
}

func pendingDeployment(appID string) *domain.Deployment {
	return &domain.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: appID,
		CommitSHA:     "abc123",
		Status:        domain.DeployStatusPending,
	}
}

func newTestService(apps *fakeAppRepo, deployments *fakeDeploymentRepo, eng *fakeEngine, admitter *fakeAdmitter, router *fakeRouter, retirer *fakeRetirer) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(apps, deployments, eng, admitter, router, retirer, Options{
		DeployTimeout:    time.Minute,
		HealthCheckGrace: 5 * time.Second,
	}, log)
	svc.wait = func(ctx context.Context, d time.Duration) error { return nil }
	return svc
}

func TestExecuteSuccessfulDeployment(t *testing.T) {
	app := testApp()
	deployment := pendingDeployment(app.ID)
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo(deployment)
	eng := &fakeEngine{containerID: "c1", containerIP: "172.17.0.2:8000", running: true}
	admitter := &fakeAdmitter{}
	router := &fakeRouter{}
	retirer := &fakeRetirer{}

	svc := newTestService(appRepo, depRepo, eng, admitter, router, retirer)
	result, err := svc.Execute(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != domain.DeployStatusSuccessful {
		t.Fatalf("expected successful status, got %s", result.Status)
	}
	if result.ContainerID != "c1" {
		t.Fatalf("expected container id recorded, got %q", result.ContainerID)
	}
	if router.applyCalls != 1 {
		t.Fatalf("expected one route apply, got %d", router.applyCalls)
	}
	if router.lastAddr != "172.17.0.2:8000" {
		t.Fatalf("unexpected routed address %q", router.lastAddr)
	}
	if retirer.calls != 1 || retirer.keepID != deployment.ID {
		t.Fatalf("expected previous deployment retired keeping %s, got %d calls keeping %s", deployment.ID, retirer.calls, retirer.keepID)
	}
	if appRepo.lastStatus != domain.AppStatusRunning {
		t.Fatalf("expected app marked running, got %q", appRepo.lastStatus)
	}
	if len(eng.stopCalls) != 0 {
		t.Fatalf("expected no container stops, got %v", eng.stopCalls)
	}
}

func TestExecuteHealthFailureRollsBack(t *testing.T) {
	app := testApp()
	deployment := pendingDeployment(app.ID)
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo(deployment)
	eng := &fakeEngine{containerID: "c1", containerIP: "172.17.0.2:8000", running: false}
	router := &fakeRouter{}

	svc := newTestService(appRepo, depRepo, eng, &fakeAdmitter{}, router, &fakeRetirer{})
	result, err := svc.Execute(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != domain.DeployStatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if !strings.HasPrefix(result.Logs, "health:") {
		t.Fatalf("expected health failure recorded, got %q", result.Logs)
	}
	if result.ContainerID != "" {
		t.Fatalf("expected container handle cleared, got %q", result.ContainerID)
	}
	if len(eng.stopCalls) != 1 || eng.stopCalls[0] != "c1" {
		t.Fatalf("expected container c1 stopped, got %v", eng.stopCalls)
	}
	if router.applyCalls != 0 {
		t.Fatalf("expected no route apply after health failure, got %d", router.applyCalls)
	}
	if appRepo.lastStatus != domain.AppStatusFailed {
		t.Fatalf("expected app marked failed, got %q", appRepo.lastStatus)
	}
}

func TestExecuteAdmissionDeniedStartsNothing(t *testing.T) {
	app := testApp()
	deployment := pendingDeployment(app.ID)
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo(deployment)
	eng := &fakeEngine{containerID: "c1", running: true}
	admitter := &fakeAdmitter{allocateErr: errors.New("insufficient host resources")}

	svc := newTestService(appRepo, depRepo, eng, admitter, &fakeRouter{}, &fakeRetirer{})
	result, err := svc.Execute(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != domain.DeployStatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if !strings.HasPrefix(result.Logs, "admission:") {
		t.Fatalf("expected admission failure recorded, got %q", result.Logs)
	}
	if eng.runCalls != 0 {
		t.Fatalf("expected no container starts, got %d", eng.runCalls)
	}
	if len(eng.stopCalls) != 0 {
		t.Fatalf("expected no container stops, got %v", eng.stopCalls)
	}
}

func TestExecuteBuildFailure(t *testing.T) {
	app := testApp()
	deployment := pendingDeployment(app.ID)
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo(deployment)
	eng := &fakeEngine{buildErr: errors.New("dockerfile missing")}
	admitter := &fakeAdmitter{}

	svc := newTestService(appRepo, depRepo, eng, admitter, &fakeRouter{}, &fakeRetirer{})
	result, err := svc.Execute(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != domain.DeployStatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if !strings.HasPrefix(result.Logs, "build:") {
		t.Fatalf("expected build failure recorded, got %q", result.Logs)
	}
	if admitter.allocateCalls != 0 {
		t.Fatalf("expected no admission check after build failure, got %d", admitter.allocateCalls)
	}
}

func TestExecuteRollbackStopFailureKeepsHandle(t *testing.T) {
	app := testApp()
	deployment := pendingDeployment(app.ID)
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo(deployment)
	eng := &fakeEngine{containerID: "c1", running: false, stopErr: errors.New("daemon unavailable")}

	svc := newTestService(appRepo, depRepo, eng, &fakeAdmitter{}, &fakeRouter{}, &fakeRetirer{})
	result, err := svc.Execute(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != domain.DeployStatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if result.ContainerID != "c1" {
		t.Fatalf("expected container handle kept for the sweep, got %q", result.ContainerID)
	}
}

func TestCreateRejectsConcurrentDeployment(t *testing.T) {
	app := testApp()
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo()
	depRepo.active = &domain.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Status:        domain.DeployStatusBuilding,
	}

	svc := newTestService(appRepo, depRepo, &fakeEngine{}, &fakeAdmitter{}, &fakeRouter{}, &fakeRetirer{})
	if _, err := svc.Create(context.Background(), app.ID, "abc123"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateConcurrentRequestsAdmitOne(t *testing.T) {
	// All goroutines pass the active-deployment read before any insert, so
	// only the store constraint can keep the invariant: exactly one pending
	// deployment, everyone else gets ErrConflict.
	app := testApp()
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo()
	svc := newTestService(appRepo, depRepo, &fakeEngine{}, &fakeAdmitter{}, &fakeRouter{}, &fakeRetirer{})

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), app.ID, "abc123")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var created, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 created and %d conflicts, got %d and %d", callers-1, created, conflicts)
	}

	depRepo.mu.Lock()
	defer depRepo.mu.Unlock()
	var pending int
	for _, d := range depRepo.deployments {
		if !domain.TerminalDeployStatus(d.Status) {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected exactly one in-flight deployment, got %d", pending)
	}
}

func TestCreateUnknownApplication(t *testing.T) {
	svc := newTestService(newFakeAppRepo(), newFakeDeploymentRepo(), &fakeEngine{}, &fakeAdmitter{}, &fakeRouter{}, &fakeRetirer{})
	if _, err := svc.Create(context.Background(), uuid.NewString(), ""); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteRejectsNonPending(t *testing.T) {
	app := testApp()
	deployment := pendingDeployment(app.ID)
	deployment.Status = domain.DeployStatusSuccessful
	svc := newTestService(newFakeAppRepo(app), newFakeDeploymentRepo(deployment), &fakeEngine{}, &fakeAdmitter{}, &fakeRouter{}, &fakeRetirer{})
	if _, err := svc.Execute(context.Background(), deployment.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestExecuteConflictsWhileInFlight(t *testing.T) {
	app := testApp()
	first := pendingDeployment(app.ID)
	second := pendingDeployment(app.ID)
	appRepo := newFakeAppRepo(app)
	depRepo := newFakeDeploymentRepo(first, second)
	blocker := make(chan struct{})
	eng := &fakeEngine{containerID: "c1", containerIP: "172.17.0.2:8000", running: true, runBlockedCh: blocker}

	svc := newTestService(appRepo, depRepo, eng, &fakeAdmitter{}, &fakeRouter{}, &fakeRetirer{})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Execute(context.Background(), first.ID)
		done <- err
	}()

	// Wait for the first execution to reach the container start.
	deadline := time.After(2 * time.Second)
	for {
		eng.mu.Lock()
		started := eng.runCalls > 0
		eng.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first execution never started a container")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if _, err := svc.Execute(context.Background(), second.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for concurrent execution, got %v", err)
	}

	close(blocker)
	if err := <-done; err != nil {
		t.Fatalf("first execution returned error: %v", err)
	}
}
