package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != "127.0.0.1:8632" {
		t.Errorf("addr = %q, want default", cfg.Gateway.Addr)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// comments are allowed
		gateway: { addr: "0.0.0.0:9000", token: "s3cret" },
		store: { backend: "redis", redis: { addr: "localhost:6379", db: 2 } },
		log_level: "debug", // trailing comma too
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != "0.0.0.0:9000" || cfg.Gateway.Token != "s3cret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Store.Backend != BackendRedis || cfg.Store.Redis.DB != 2 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	// Unset fields keep their defaults.
	if cfg.Sandbox.MemoryMB != 256 {
		t.Errorf("sandbox memory = %d, want default 256", cfg.Sandbox.MemoryMB)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{gateway: {addr: "file:1111"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SANDPAD_ADDR", "env:2222")
	t.Setenv("SANDPAD_REDIS_DB", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != "env:2222" {
		t.Errorf("addr = %q, env override lost", cfg.Gateway.Addr)
	}
	if cfg.Store.Redis.DB != 7 {
		t.Errorf("redis db = %d, want 7", cfg.Store.Redis.DB)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend passed validation")
	}
}

func TestValidateRedisRequiresAddr(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = BackendRedis
	if err := cfg.Validate(); err == nil {
		t.Error("redis backend without addr passed validation")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(/abs/path) = %q", got)
	}
}
