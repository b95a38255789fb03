package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/internal/build"
	"github.com/splax/localvercel/internal/buildcache"
	"github.com/splax/localvercel/internal/certs"
	"github.com/splax/localvercel/internal/channel"
	"github.com/splax/localvercel/internal/command"
	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/database"
	"github.com/splax/localvercel/internal/docker"
	"github.com/splax/localvercel/internal/heartbeat"
	httpx "github.com/splax/localvercel/internal/http"
	"github.com/splax/localvercel/internal/ingress"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/runtime"
	"github.com/splax/localvercel/internal/runtime/direct"
	"github.com/splax/localvercel/internal/runtime/kubernetes"
	"github.com/splax/localvercel/internal/service/task"
	"github.com/splax/localvercel/internal/state"
	"github.com/splax/localvercel/internal/storage"
	"github.com/splax/localvercel/internal/workspace"
	"github.com/splax/localvercel/pkg/api/client"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/jwt"
	"github.com/splax/localvercel/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = time.Hour
	workspaceMaxAge = 6 * time.Hour
	ledgerMaxAge    = 30 * 24 * time.Hour
)

func newServeCommand(load func() (config.AgentConfig, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the control plane and execute tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.AgentConfig) error {
	log := logger.New("agent", logger.ParseLevel(cfg.LogLevel)).With("node_id", cfg.NodeID)
	m := metrics.NewDefault()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer dockerClient.Close()
	if version, err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker daemon not reachable yet", "error", err)
	} else {
		log.Info("docker daemon reachable", "api_version", version)
	}

	runner := command.New(log, 0)
	containers := container.New(runner, cfg.DockerBinary, log)

	store, err := state.Open(filepath.Join(cfg.DataDir, "state"), cfg.StateKey)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	artifacts, err := storage.Open(ctx, storage.Options{
		Backend:         cfg.StorageBackend,
		Dir:             filepath.Join(cfg.DataDir, "artifacts"),
		URL:             cfg.StorageURL,
		Token:           cfg.StorageToken,
		Bucket:          cfg.StorageBucket,
		CredentialsFile: cfg.GCSCredentialsFile,
	})
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("workspace init: %w", err)
	}
	var cache *buildcache.Cache
	if cfg.CacheEnabled {
		cache = buildcache.New(artifacts, cfg.CacheMaxBytes, cfg.CacheTTL, log)
	}
	pipeline, err := build.New(build.Config{
		Namespace:    cfg.Registry,
		PushRegistry: cfg.PushRegistry,
		Timeout:      cfg.BuildTimeout,
		GitTimeout:   cfg.GitTimeout,
		UploadSlugs:  cfg.UploadSlugs,
	}, build.Deps{
		Images:    containers,
		Workspace: workspaces,
		Store:     artifacts,
		Cache:     cache,
	}, log)
	if err != nil {
		return err
	}

	router, err := ingress.New(ingress.Config{Dir: cfg.NginxConfigDir, ChallengeDir: cfg.ChallengeDir}, proxyReloader(cfg, runner, dockerClient, log), log)
	if err != nil {
		return err
	}
	certManager, err := certificateManager(cfg, log)
	if err != nil {
		return err
	}

	strategy, err := deploymentStrategy(cfg, containers, log)
	if err != nil {
		return err
	}
	databases, err := database.New(databaseConfig(cfg), containers, store, artifacts, database.NativeProbers(), log)
	if err != nil {
		return err
	}

	tokens := jwt.NewTokenSource(cfg.AuthToken, cfg.NodeID, cfg.NodeSecret, cfg.TokenTTL)
	cp, err := client.New(cfg.ControlPlaneURL,
		client.WithHTTPClient(&http.Client{Timeout: cfg.CallbackTimeout}),
		client.WithTokens(tokens),
	)
	if err != nil {
		return err
	}

	executor, err := task.New(task.Config{
		StrategyName:  cfg.Strategy,
		CacheEnabled:  cfg.CacheEnabled,
		ReportTimeout: cfg.CallbackTimeout,
	}, task.Deps{
		Builder:   pipeline,
		Strategy:  strategy,
		Router:    router,
		Certs:     certManager,
		Databases: databases,
		Reporter:  cp,
		Store:     store,
		Metrics:   m,
	}, log)
	if err != nil {
		return err
	}

	tasks, err := channel.New(channel.Config{
		URL:        cfg.ControlPlaneWSURL,
		NodeID:     cfg.NodeID,
		MinBackoff: cfg.ReconnectMin,
		MaxBackoff: cfg.ReconnectMax,
	}, tokens, executor, log)
	if err != nil {
		return err
	}
	beats := heartbeat.New(heartbeat.Config{
		NodeID:   cfg.NodeID,
		Version:  buildVersion,
		Interval: cfg.HeartbeatInterval,
		DataDir:  cfg.DataDir,
	}, dockerClient, cp, m, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpx.New(log, dockerClient, executor, httpx.Auth{Token: cfg.AuthToken, NodeID: cfg.NodeID, NodeSecret: cfg.NodeSecret}, m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tasks.Run(gctx) })
	g.Go(func() error { return beats.Run(gctx) })
	g.Go(func() error {
		janitor(gctx, workspaces, store, log)
		return nil
	})
	g.Go(func() error {
		log.Info("agent http server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := executor.Wait(shutdownCtx); err != nil {
			log.Warn("tasks still running at shutdown", "error", err)
		}
		return nil
	})

	log.Info("agent started", "strategy", cfg.Strategy, "control_plane", cfg.ControlPlaneURL)
	err = g.Wait()
	log.Info("agent stopped")
	return err
}

// databaseConfig keeps dump scratch space out of the workdir, whose entries
// the janitor sweeps by age.
func databaseConfig(cfg config.AgentConfig) database.Config {
	return database.Config{
		PortBase:     cfg.DBPortBase,
		ReadyTimeout: cfg.DBReadyTimeout,
		ScratchDir:   filepath.Join(cfg.DataDir, "db-scratch"),
		PidsLimit:    cfg.PidsLimit,
	}
}

func deploymentStrategy(cfg config.AgentConfig, containers *container.Runtime, log *slog.Logger) (runtime.Strategy, error) {
	if cfg.Strategy == "kubernetes" {
		return kubernetes.New(cfg.KubeNamespace, cfg.KubeDomain, 0, log)
	}
	return direct.New(containers, runtime.Addressing{
		PortBase:     cfg.PortBase,
		PortSlots:    cfg.PortSlots,
		MaxInstances: cfg.MaxInstances,
	}, direct.Limits{
		MemoryMB:     cfg.MemoryLimitMB,
		CPUs:         cfg.CPULimit,
		PidsLimit:    cfg.PidsLimit,
		ReadOnlyRoot: cfg.ReadOnlyRootFS,
	}, log)
}

func proxyReloader(cfg config.AgentConfig, runner command.Runner, signaller ingress.Signaller, log *slog.Logger) ingress.Reloader {
	if cfg.NginxContainerName != "" {
		r, err := ingress.NewContainerReloader(signaller, cfg.NginxContainerName)
		if err == nil {
			return r
		}
		log.Warn("nginx container reloader unavailable", "error", err)
	}
	if cfg.NginxReloadCmd == "" {
		return nil
	}
	r, err := ingress.NewCommandReloader(runner, cfg.NginxReloadCmd)
	if err != nil {
		log.Warn("nginx reload command invalid; routing changes need a manual reload", "error", err)
		return nil
	}
	return r
}

// certificateManager returns a manager without an issuer when ACME is not configured.
func certificateManager(cfg config.AgentConfig, log *slog.Logger) (*certs.Manager, error) {
	var issuer certs.Issuer
	if cfg.ACMEEmail != "" || cfg.ACMEDirectoryURL != "" {
		acme, err := certs.NewACMEIssuer(cfg.ACMEDirectoryURL, cfg.ACMEEmail, filepath.Join(cfg.CertDir, "account.key"), cfg.ChallengeDir, log)
		if err != nil {
			return nil, fmt.Errorf("acme issuer: %w", err)
		}
		issuer = acme
	}
	return certs.NewManager(cfg.CertDir, issuer, cfg.CertRenewBefore, log)
}

// janitor removes abandoned build workspaces and old ledger entries.
func janitor(ctx context.Context, workspaces *workspace.Manager, store *state.Store, log *slog.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		if n, err := workspaces.Sweep(workspaceMaxAge); err != nil {
			log.Warn("workspace sweep failed", "error", err)
		} else if n > 0 {
			log.Info("removed stale workspaces", "count", n)
		}
		if n, err := store.PruneTasks(ledgerMaxAge); err != nil {
			log.Warn("task ledger prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned task ledger", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
