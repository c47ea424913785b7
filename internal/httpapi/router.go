package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/repository"
	"github.com/benny-png/QUARK/internal/service/account"
	"github.com/benny-png/QUARK/internal/service/apps"
	"github.com/benny-png/QUARK/internal/service/deploy"
	"github.com/benny-png/QUARK/internal/service/monitor"
	"github.com/benny-png/QUARK/internal/service/resource"
	"github.com/benny-png/QUARK/internal/service/webhook"
	"github.com/benny-png/QUARK/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	account  account.Service
	apps     *apps.Service
	deploy   *deploy.Service
	monitor  *monitor.Service
	resource *resource.Manager
	webhook  *webhook.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error
	baseCtx  context.Context

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 120
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies. baseCtx bounds background
// deployment executions; it should outlive individual requests.
func NewRouter(
	baseCtx context.Context,
	logger *slog.Logger,
	accountSvc account.Service,
	appsSvc *apps.Service,
	deploySvc *deploy.Service,
	monitorSvc *monitor.Service,
	resourceMgr *resource.Manager,
	webhookSvc *webhook.Service,
	hub *ws.Hub,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		account:  accountSvc,
		apps:     appsSvc,
		deploy:   deploySvc,
		monitor:  monitorSvc,
		resource: resourceMgr,
		webhook:  webhookSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
		baseCtx:  baseCtx,
	}
	if r.baseCtx == nil {
		r.baseCtx = context.Background()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit(r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/apps", r.audit(r.handlerAuthRate("/apps", rateLimitUserWrite, rateWindowDefault, r.handleApps)))
	r.mux.HandleFunc("/apps/", r.audit(r.handlerAuthRate("/apps/", rateLimitUserWrite, rateWindowDefault, r.handleAppSubroutes)))
	r.mux.HandleFunc("/resources", r.audit(r.handlerAuthRate("/resources", rateLimitUserRead, rateWindowDefault, r.handleResources)))
	r.mux.HandleFunc("/ws/metrics", r.audit(r.handlerAuthRate("/ws/metrics", rateLimitWebsocket, rateWindowRealtime, r.handleMetricsWS)))
	r.mux.HandleFunc("/webhooks/github", r.audit(r.withRateLimit("/webhooks/github", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleGitHubWebhook)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.account.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"token": token,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.account.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"token": token,
	})
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for apps route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name          string            `json:"name"`
			RepoURL       string            `json:"repo_url"`
			Branch        string            `json:"branch"`
			CPULimit      float64           `json:"cpu_limit"`
			MemoryLimitMB int64             `json:"memory_limit_mb"`
			AutoDeploy    bool              `json:"auto_deploy"`
			EnvVars       map[string]string `json:"env_vars"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		app, err := r.apps.Create(req.Context(), apps.CreateInput{
			OwnerID:       info.UserID,
			Name:          payload.Name,
			RepoURL:       payload.RepoURL,
			Branch:        payload.Branch,
			CPULimit:      payload.CPULimit,
			MemoryLimitMB: payload.MemoryLimitMB,
			AutoDeploy:    payload.AutoDeploy,
			EnvVars:       payload.EnvVars,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, app)
	case http.MethodGet:
		list, err := r.apps.List(req.Context(), info.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, list)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/apps/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	app, ok := r.ownedApp(w, req, parts[0])
	if !ok {
		return
	}
	switch {
	case len(parts) == 1:
		r.handleApp(w, req, app)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleAppDeployments(w, req, app)
	case len(parts) == 2 && parts[1] == "metrics":
		r.handleAppMetrics(w, req, app)
	default:
		r.notFound(w)
	}
}

// ownedApp loads the application and hides other owners' apps behind 404.
func (r *Router) ownedApp(w http.ResponseWriter, req *http.Request, appID string) (*domain.Application, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for app route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return nil, false
	}
	app, err := r.apps.Get(req.Context(), appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	if app.OwnerID != info.UserID {
		r.notFound(w)
		return nil, false
	}
	return app, true
}

func (r *Router) handleApp(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, app)
	case http.MethodPatch:
		var payload domain.ApplicationUpdate
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.apps.Update(req.Context(), app.ID, payload)
		if err != nil {
			status := http.StatusBadRequest
			if !errors.Is(err, apps.ErrValidation) {
				status = http.StatusInternalServerError
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := r.apps.Delete(req.Context(), app.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppDeployments(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Commit string `json:"commit"`
		}
		_ = json.NewDecoder(req.Body).Decode(&payload)
		deployment, err := r.deploy.Create(req.Context(), app.ID, payload.Commit)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, deploy.ErrConflict) {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		go r.executeDeployment(deployment.ID, app.ID)
		writeJSON(w, http.StatusAccepted, deployment)
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		deployments, err := r.deploy.ListByApplication(req.Context(), app.ID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) executeDeployment(deploymentID, appID string) {
	if _, err := r.deploy.Execute(r.baseCtx, deploymentID); err != nil {
		r.logger.Error("deployment execution failed", "deployment_id", deploymentID, "app_id", appID, "error", err)
	}
}

func (r *Router) handleAppMetrics(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	sample, err := r.monitor.SampleApplication(req.Context(), app.ID)
	if err != nil {
		if errors.Is(err, monitor.ErrNoActiveDeployment) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (r *Router) handleResources(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	usage, err := r.resource.CurrentUsage(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (r *Router) handleMetricsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for metrics websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	channel := req.URL.Query().Get("app_id")
	if channel == "" {
		channel = monitor.HostChannel
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(channel, client)
	go func() {
		defer func() {
			r.hub.Unregister(channel, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleGitHubWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if err := r.webhook.ValidateSignature(body, signature); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if event := req.Header.Get("X-GitHub-Event"); event != "" && event != "push" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	deployment, err := r.webhook.HandlePush(req.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrIgnored):
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": err.Error()})
		case errors.Is(err, deploy.ErrConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, deployment)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
