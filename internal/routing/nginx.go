package routing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"log/slog"
)

const serverBlockTemplate = `upstream app_{{.AppID}} {
    server {{.Address}};
}

server {
    listen 80;
    server_name {{.Domain}};

    location / {
        proxy_pass http://app_{{.AppID}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`

// Reloader signals the proxy to pick up configuration changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Manager writes nginx server blocks per application and reloads the proxy.
// Re-applying an unchanged route is a no-op.
type Manager struct {
	confDir      string
	domainSuffix string
	reloader     Reloader
	log          *slog.Logger
	tmpl         *template.Template
}

// Options configures a Manager. When ContainerName is set, reloads are
// delivered as SIGHUP to that container; otherwise ReloadCommand is executed.
type Options struct {
	ConfDir       string
	DomainSuffix  string
	ReloadCommand string
	ContainerName string
}

// New constructs a routing Manager.
func New(opts Options, log *slog.Logger) (*Manager, error) {
	if opts.ConfDir == "" {
		return nil, fmt.Errorf("nginx conf dir required")
	}
	if log == nil {
		log = slog.Default()
	}
	var reloader Reloader
	if opts.ContainerName != "" {
		r, err := newContainerReloader(opts.ContainerName)
		if err != nil {
			return nil, err
		}
		reloader = r
	} else {
		reloader = commandReloader{command: opts.ReloadCommand}
	}
	tmpl, err := template.New("server").Parse(serverBlockTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse nginx template: %w", err)
	}
	return &Manager{
		confDir:      opts.ConfDir,
		domainSuffix: opts.DomainSuffix,
		reloader:     reloader,
		log:          log.With("component", "routing"),
		tmpl:         tmpl,
	}, nil
}

// Apply points the application's public domain at the container address.
// Callers serialize per-application invocations.
func (m *Manager) Apply(ctx context.Context, appID, appName, address string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("container address required")
	}

	var rendered bytes.Buffer
	err := m.tmpl.Execute(&rendered, map[string]string{
		"AppID":   sanitizeID(appID),
		"Address": address,
		"Domain":  appName + m.domainSuffix,
	})
	if err != nil {
		return fmt.Errorf("render nginx config: %w", err)
	}

	path := m.confPath(appID)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, rendered.Bytes()) {
		m.log.Debug("route unchanged", "app_id", appID, "address", address)
		return nil
	}
	if err := writeAtomic(path, rendered.Bytes()); err != nil {
		return fmt.Errorf("write nginx config: %w", err)
	}
	if err := m.reloader.Reload(ctx); err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}
	m.log.Info("route applied", "app_id", appID, "address", address)
	return nil
}

// Remove drops the application's server block. Missing config is a no-op.
func (m *Manager) Remove(ctx context.Context, appID string) error {
	path := m.confPath(appID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove nginx config: %w", err)
	}
	return m.reloader.Reload(ctx)
}

// Close releases reloader resources.
func (m *Manager) Close() error {
	if closer, ok := m.reloader.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (m *Manager) confPath(appID string) string {
	return filepath.Join(m.confDir, fmt.Sprintf("app_%s.conf", sanitizeID(appID)))
}

func sanitizeID(id string) string {
	return strings.ReplaceAll(id, "-", "_")
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// commandReloader tests and reloads nginx via shell commands.
type commandReloader struct {
	command string
}

func (r commandReloader) Reload(ctx context.Context) error {
	if out, err := exec.CommandContext(ctx, "nginx", "-t").CombinedOutput(); err != nil {
		return fmt.Errorf("invalid nginx configuration: %s", strings.TrimSpace(string(out)))
	}
	command := r.command
	if command == "" {
		command = "nginx -s reload"
	}
	parts := strings.Fields(command)
	if out, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("nginx reload failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
