package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benny-png/QUARK/internal/app/migrate"
	"github.com/benny-png/QUARK/internal/config"
	"github.com/benny-png/QUARK/internal/engine"
	"github.com/benny-png/QUARK/internal/httpapi"
	"github.com/benny-png/QUARK/internal/logger"
	"github.com/benny-png/QUARK/internal/repository/postgres"
	"github.com/benny-png/QUARK/internal/routing"
	"github.com/benny-png/QUARK/internal/service/account"
	"github.com/benny-png/QUARK/internal/service/apps"
	"github.com/benny-png/QUARK/internal/service/cleanup"
	"github.com/benny-png/QUARK/internal/service/deploy"
	"github.com/benny-png/QUARK/internal/service/monitor"
	"github.com/benny-png/QUARK/internal/service/resource"
	"github.com/benny-png/QUARK/internal/service/webhook"
	"github.com/benny-png/QUARK/internal/workspace"
	"github.com/benny-png/QUARK/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("quark", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}
	eng, err := engine.New(engine.Options{
		Host:         cfg.DockerHost,
		AppPort:      cfg.AppPort,
		BuildTimeout: cfg.BuildTimeout,
		GitTimeout:   cfg.GitTimeout,
	}, workspaces, log)
	if err != nil {
		log.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}
	defer eng.Close()
	if err := eng.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	router, err := routing.New(routing.Options{
		ConfDir:       cfg.NginxConfDir,
		DomainSuffix:  cfg.DomainSuffix,
		ReloadCommand: cfg.NginxReloadCommand,
		ContainerName: cfg.NginxContainerName,
	}, log)
	if err != nil {
		log.Error("failed to configure routing", "error", err)
		os.Exit(1)
	}
	defer router.Close()

	hub := ws.NewHub()
	defer hub.Shutdown()

	resourceMgr := resource.New(repo, eng, nil, resource.Options{
		MaxCPUPercent: cfg.MaxCPUPercent,
		MaxMemoryGB:   cfg.MaxMemoryGB,
		Serialize:     cfg.AdmissionSerialize,
	}, log)
	cleaner := cleanup.New(repo, eng, log)
	deploySvc := deploy.New(repo, repo, eng, resourceMgr, router, cleaner, deploy.Options{
		DeployTimeout:    cfg.DeployTimeout,
		HealthCheckGrace: cfg.HealthCheckGrace,
	}, log)
	monitorSvc := monitor.New(repo, repo, eng, nil, hub, log)
	accountSvc := account.New(repo, cfg.JWTSecret, cfg.AccessTokenTTL, log)
	appsSvc := apps.New(repo, repo, eng, router, log)
	webhookSvc := webhook.New(repo, deploySvc, cfg.WebhookSecret, log)

	go monitorSvc.Run(ctx, cfg.MetricsInterval)
	go cleaner.Run(ctx, cfg.SweepInterval)

	limiter := httpapi.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpapi.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	api := httpapi.NewRouter(ctx, log, accountSvc, appsSvc, deploySvc, monitorSvc, resourceMgr, webhookSvc, hub, limiter, pool.Ping)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
