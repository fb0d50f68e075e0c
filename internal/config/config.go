// Package config loads the gateway configuration: a JSON5 file (so the
// on-disk config can carry comments and trailing commas), overlaid
// with SANDPAD_* environment variables. Env vars take precedence over
// the file, the file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/sandpad/internal/sandbox"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// GatewaySpec configures the WebSocket listener.
type GatewaySpec struct {
	Addr string `json:"addr"`

	// Token is the shared connection credential. Empty disables the
	// gate; only do that behind a trusted proxy.
	Token string `json:"token"`
}

// RedisSpec configures the managed-mode store backend.
type RedisSpec struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// StoreSpec selects and configures the file store backend.
type StoreSpec struct {
	Backend    string    `json:"backend"` // "sqlite" or "redis"
	SQLitePath string    `json:"sqlite_path"`
	Redis      RedisSpec `json:"redis"`
}

// SessionSpec configures session materialization.
type SessionSpec struct {
	// WorkspaceRoot is the host directory under which per-environment
	// working directories are created.
	WorkspaceRoot string `json:"workspace_root"`
}

// TelemetrySpec configures the optional OTLP trace exporter.
type TelemetrySpec struct {
	Endpoint string `json:"endpoint,omitempty"` // empty = tracing disabled
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}

// Config is the full gateway configuration.
type Config struct {
	Gateway   GatewaySpec    `json:"gateway"`
	Store     StoreSpec      `json:"store"`
	Sandbox   sandbox.Config `json:"sandbox"`
	Session   SessionSpec    `json:"session"`
	Telemetry TelemetrySpec  `json:"telemetry"`
	LogLevel  string         `json:"log_level"` // debug, info, warn, error
}

// Default returns a runnable standalone configuration: SQLite store,
// local Docker, no auth token.
func Default() *Config {
	return &Config{
		Gateway: GatewaySpec{
			Addr: "127.0.0.1:8632",
		},
		Store: StoreSpec{
			Backend:    BackendSQLite,
			SQLitePath: "~/.sandpad/files.db",
		},
		Sandbox: sandbox.DefaultConfig(),
		Session: SessionSpec{
			WorkspaceRoot: "~/.sandpad/workspaces",
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path, falling back to defaults when
// the file does not exist, then applies env overrides and expands
// home-relative paths.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(ExpandHome(path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// No file is fine; env + defaults carry a standalone setup.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	cfg.Store.SQLitePath = ExpandHome(cfg.Store.SQLitePath)
	cfg.Session.WorkspaceRoot = ExpandHome(cfg.Session.WorkspaceRoot)
	return cfg, nil
}

// applyEnvOverrides overlays SANDPAD_* environment variables.
func (c *Config) applyEnvOverrides() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setStr("SANDPAD_ADDR", &c.Gateway.Addr)
	setStr("SANDPAD_TOKEN", &c.Gateway.Token)
	setStr("SANDPAD_STORE_BACKEND", &c.Store.Backend)
	setStr("SANDPAD_SQLITE_PATH", &c.Store.SQLitePath)
	setStr("SANDPAD_REDIS_ADDR", &c.Store.Redis.Addr)
	setStr("SANDPAD_REDIS_PASSWORD", &c.Store.Redis.Password)
	if v := os.Getenv("SANDPAD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	setStr("SANDPAD_SANDBOX_IMAGE", &c.Sandbox.Image)
	setStr("SANDPAD_WORKSPACE_ROOT", &c.Session.WorkspaceRoot)
	setStr("SANDPAD_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	setStr("SANDPAD_LOG_LEVEL", &c.LogLevel)
}

// Validate rejects configurations the serve command cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("config: store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Session.WorkspaceRoot == "" {
		return errors.New("config: session.workspace_root is required")
	}
	return nil
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
