package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/gateway"
	"github.com/haasonsaas/strand/internal/janitor"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/runtime"
	"github.com/haasonsaas/strand/internal/storage"
	"github.com/haasonsaas/strand/internal/threads"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("STRAND_CONFIG"), "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, levelVar := observability.LevelController(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		if err := config.WatchLogLevel(ctx, configPath, levelVar, logger); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		}
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	provider := threads.NewStoreProvider(store)
	lifecycle := runtime.NewLifecycle(runtime.LifecycleConfig{
		Threads:       provider,
		Sessions:      provider.Sessions(),
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        observability.NewTracer("strand"),
		StreamCeiling: cfg.Runtime.StreamCeiling,
	})

	registry := gateway.NewRegistry()
	registry.Register("echo", echoHandler())

	server := gateway.NewServer(cfg.Server, cfg.Runtime.DrainGrace, lifecycle, registry, logger, metrics)

	if cfg.Janitor.Enabled {
		j, err := janitor.New(store, janitor.Config{
			Schedule: cfg.Janitor.Schedule,
			TTL:      cfg.Janitor.TTL,
		}, logger)
		if err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
		j.Start()
		defer j.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config.StorageConfig) (storage.StateStore, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.NewSQLiteStore(storage.SQLiteConfig{Path: cfg.Path})
	case "postgres":
		return storage.NewPostgresStore(storage.PostgresConfig{
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// echoHandler is the built-in smoke-test agent: it echoes the input, keeps a
// bounded history on the thread, and records delivery in the background.
func echoHandler() gateway.Handler {
	return gateway.HandlerFunc(func(ctx context.Context, req *gateway.RunRequest) (*gateway.RunResponse, error) {
		ec, err := runtime.Agent(ctx)
		if err != nil {
			return nil, err
		}
		if err := ec.Thread.State.Push(ctx, "history", json.RawMessage(req.Input), 50); err != nil {
			return nil, err
		}
		ec.WaitUntil(func(ctx context.Context) error {
			ec.Session.State.Set("delivered", true)
			return nil
		})
		return &gateway.RunResponse{Body: map[string]any{"echo": req.Input}}, nil
	})
}
