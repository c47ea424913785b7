package routing

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.calls++
	return f.err
}

func newTestManager(t *testing.T) (*Manager, *fakeReloader) {
	t.Helper()
	manager, err := New(Options{
		ConfDir:      t.TempDir(),
		DomainSuffix: ".quark.local",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	reloader := &fakeReloader{}
	manager.reloader = reloader
	return manager, reloader
}

func TestApplyWritesServerBlock(t *testing.T) {
	manager, reloader := newTestManager(t)

	if err := manager.Apply(context.Background(), "app-1", "demo", "172.17.0.2:8000"); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if reloader.calls != 1 {
		t.Fatalf("expected one reload, got %d", reloader.calls)
	}

	data, err := os.ReadFile(filepath.Join(manager.confDir, "app_app_1.conf"))
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"upstream app_app_1",
		"server 172.17.0.2:8000;",
		"server_name demo.quark.local;",
		"proxy_pass http://app_app_1;",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected config to contain %q, got:\n%s", want, content)
		}
	}
}

func TestApplyUnchangedSkipsReload(t *testing.T) {
	manager, reloader := newTestManager(t)

	if err := manager.Apply(context.Background(), "app-1", "demo", "172.17.0.2:8000"); err != nil {
		t.Fatalf("first Apply returned error: %v", err)
	}
	if err := manager.Apply(context.Background(), "app-1", "demo", "172.17.0.2:8000"); err != nil {
		t.Fatalf("second Apply returned error: %v", err)
	}
	if reloader.calls != 1 {
		t.Fatalf("expected unchanged apply to skip reload, got %d reloads", reloader.calls)
	}
}

func TestApplyChangedAddressRewrites(t *testing.T) {
	manager, reloader := newTestManager(t)

	if err := manager.Apply(context.Background(), "app-1", "demo", "172.17.0.2:8000"); err != nil {
		t.Fatalf("first Apply returned error: %v", err)
	}
	if err := manager.Apply(context.Background(), "app-1", "demo", "172.17.0.3:8000"); err != nil {
		t.Fatalf("second Apply returned error: %v", err)
	}
	if reloader.calls != 2 {
		t.Fatalf("expected reload on change, got %d reloads", reloader.calls)
	}

	data, err := os.ReadFile(filepath.Join(manager.confDir, "app_app_1.conf"))
	if err != nil {
		t.Fatalf("config missing: %v", err)
	}
	if !strings.Contains(string(data), "172.17.0.3:8000") {
		t.Fatalf("expected new address in config, got:\n%s", data)
	}
}

func TestApplyRejectsEmptyAddress(t *testing.T) {
	manager, _ := newTestManager(t)
	if err := manager.Apply(context.Background(), "app-1", "demo", " "); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestRemove(t *testing.T) {
	manager, reloader := newTestManager(t)

	if err := manager.Apply(context.Background(), "app-1", "demo", "172.17.0.2:8000"); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if err := manager.Remove(context.Background(), "app-1"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(manager.confDir, "app_app_1.conf")); !os.IsNotExist(err) {
		t.Fatalf("expected config removed, stat err %v", err)
	}
	if reloader.calls != 2 {
		t.Fatalf("expected reload after removal, got %d", reloader.calls)
	}

	// Removing twice is a no-op.
	if err := manager.Remove(context.Background(), "app-1"); err != nil {
		t.Fatalf("second Remove returned error: %v", err)
	}
	if reloader.calls != 2 {
		t.Fatalf("expected no reload for missing config, got %d", reloader.calls)
	}
}
