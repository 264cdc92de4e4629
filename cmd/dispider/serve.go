package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/dispider/dispider/pkg/api"
	"github.com/dispider/dispider/pkg/config"
	"github.com/dispider/dispider/pkg/dispatch"
	"github.com/dispider/dispider/pkg/kv"
	"github.com/dispider/dispider/pkg/lifecycle"
	"github.com/dispider/dispider/pkg/log"
	"github.com/dispider/dispider/pkg/metrics"
	"github.com/dispider/dispider/pkg/orchestrator"
	"github.com/dispider/dispider/pkg/proxy"
	"github.com/dispider/dispider/pkg/registry"
	"github.com/dispider/dispider/pkg/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Start the HTTP API, the proxy health and reassignment loops,
and all backing connections (PostgreSQL, Redis, the container engine).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.ListenAddr = listen
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.SetVersion(Version)

		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().String("log-level", "", "log level (overrides LOG_LEVEL)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DatabaseURL)
	if err != nil {
		metrics.SetComponent("postgres", false, err.Error())
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()
	metrics.SetComponent("postgres", true, "connected")

	kvs, err := kv.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		metrics.SetComponent("redis", false, err.Error())
		return err
	}
	defer kvs.Close()
	metrics.SetComponent("redis", true, "connected")

	rt, err := runtime.NewDockerRuntime(ctx)
	if err != nil {
		metrics.SetComponent("docker", false, err.Error())
		return err
	}
	defer rt.Close()
	metrics.SetComponent("docker", true, "connected")

	reg := registry.New(db)
	if err := reg.EnsureSchema(ctx); err != nil {
		return err
	}

	engine := dispatch.NewEngine(db, cfg.MaxTaskRetries)
	coordinator := lifecycle.NewCoordinator(db, rt, kvs, reg,
		lifecycle.NewNotifier(cfg.PushURL),
		lifecycle.Config{
			APIBaseURL:    cfg.APIBaseURL,
			ContainerHost: cfg.ContainerHost,
			WorkspaceDir:  cfg.WorkspaceDir,
			PortStart:     cfg.WorkerPortStart,
		})
	proxyManager := proxy.NewManager(kvs,
		proxy.NewConfigFile(cfg.ClashConfigPath),
		cfg.ClashProvidersDir,
		proxy.NewAdminClient(cfg.ClashAdminURL),
		rt,
		cfg.ClashContainerName)

	// The multiplexer being down degrades the proxy layer but must not
	// block startup.
	if _, err := proxy.NewAdminClient(cfg.ClashAdminURL).Version(ctx); err != nil {
		metrics.SetComponent("clash", false, err.Error())
		log.Warn(fmt.Sprintf("Clash controller unreachable at startup: %v", err))
	} else {
		metrics.SetComponent("clash", true, "reachable")
	}

	orch := orchestrator.New(proxyManager)
	orch.Start(ctx)
	defer orch.Stop()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.New(reg, engine, coordinator, proxyManager, cfg.ClashProvidersDir).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("HTTP API listening on %s", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("Received %s, shutting down", sig))
	case <-ctx.Done():
		log.Info("Context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("Shutdown complete")
	return nil
}
