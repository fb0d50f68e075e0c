package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sandpad/internal/collab"
	"github.com/nextlevelbuilder/sandpad/internal/config"
	"github.com/nextlevelbuilder/sandpad/internal/gateway"
	"github.com/nextlevelbuilder/sandpad/internal/registry"
	"github.com/nextlevelbuilder/sandpad/internal/sandbox"
	"github.com/nextlevelbuilder/sandpad/internal/session"
	"github.com/nextlevelbuilder/sandpad/internal/store"
	"github.com/nextlevelbuilder/sandpad/internal/telemetry"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "~/.sandpad/config.json5", "path to config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cfg.LogLevel)
	slog.Info("sandpad starting", "version", version, "store", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	kv, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()
	files := store.NewFiles(kv)

	if err := sandbox.CheckDockerAvailable(ctx); err != nil {
		return fmt.Errorf("docker is required to run sandboxes: %w", err)
	}
	runner := sandbox.NewDockerRunner(cfg.Sandbox)

	reg := registry.New()
	engine := collab.NewEngine(files)
	sessions := session.NewManager(files, runner, cfg.Sandbox, reg, cfg.Session.WorkspaceRoot)

	// Last client out turns off the lights for that environment.
	reg.SetTeardown(func(envID string) {
		if sessions.Stop(envID) {
			slog.Info("stopped orphaned session", "env", envID)
		}
	})

	srv := gateway.NewServer(gateway.Config{
		Addr:  cfg.Gateway.Addr,
		Token: cfg.Gateway.Token,
	}, reg, files, engine, sessions)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
	if n := sessions.StopAll(); n > 0 {
		slog.Info("stopped active sessions", "count", n)
	}
	return nil
}

// openStore builds the configured KV backend. Redis serves managed
// multi-instance deployments; SQLite keeps the standalone binary
// dependency-free.
func openStore(ctx context.Context, cfg *config.Config) (store.KV, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return store.NewRedisKV(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return store.NewSQLiteKV(ctx, cfg.Store.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
