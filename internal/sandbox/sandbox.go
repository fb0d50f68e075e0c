// Package sandbox launches environment code inside isolated,
// resource-capped Docker containers with a pseudo-terminal attached.
//
// Each environment gets at most one container, named deterministically
// from the environment ID, so a stale container from a crashed gateway
// can always be removed by name before a new run starts. Containers run
// with bounded memory, a bounded CPU share, a pids limit, and no
// network.
package sandbox

import (
	"context"
	"strings"
)

// Config configures container creation for sandboxed runs.
type Config struct {
	Image          string   `json:"image"`
	Interpreter    string   `json:"interpreter"` // shell-style command line, e.g. "python3 -u"
	MemoryMB       int      `json:"memory_mb"`
	CPUs           float64  `json:"cpus"`
	PidsLimit      int      `json:"pids_limit"`
	NetworkEnabled bool     `json:"network_enabled"`
	ReadOnlyRoot   bool     `json:"read_only_root"`
	CapDrop        []string `json:"cap_drop,omitempty"`
	Tmpfs          []string `json:"tmpfs,omitempty"`
	User           string   `json:"user,omitempty"`

	ContainerPrefix string `json:"container_prefix,omitempty"` // default "sandpad-env-"
	Workdir         string `json:"workdir,omitempty"`          // container-side mount point, default "/workspace"
}

// DefaultConfig returns the hardened defaults for sandboxed runs.
func DefaultConfig() Config {
	return Config{
		Image:           "sandpad-runtime:bookworm-slim",
		Interpreter:     "python3 -u",
		MemoryMB:        256,
		CPUs:            0.5,
		PidsLimit:       64,
		NetworkEnabled:  false,
		ReadOnlyRoot:    true,
		CapDrop:         []string{"ALL"},
		Tmpfs:           []string{"/tmp"},
		ContainerPrefix: "sandpad-env-",
		Workdir:         "/workspace",
	}
}

// ContainerWorkdir returns the container-side working directory.
func (c Config) ContainerWorkdir() string {
	if c.Workdir != "" {
		return c.Workdir
	}
	return "/workspace"
}

// ContainerName derives the deterministic container name for an
// environment. Determinism is what enforces the at-most-one-container
// invariant at the OS level.
func (c Config) ContainerName(envID string) string {
	prefix := c.ContainerPrefix
	if prefix == "" {
		prefix = "sandpad-env-"
	}
	return prefix + sanitizeKey(envID)
}

// Proc is a handle to one running sandboxed process. Read streams the
// PTY output until the process exits; Write feeds terminal input.
type Proc interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Kill terminates the local process handle without waiting.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	Wait() int
}

// Runner spawns and terminates sandboxed processes. The session manager
// depends on this interface, not on Docker, so it can be tested with a
// fake.
type Runner interface {
	// Spawn starts the configured interpreter against entryFile inside
	// a fresh container named name, with hostWorkdir mounted
	// read-write as the working directory.
	Spawn(ctx context.Context, name, hostWorkdir, entryFile string) (Proc, error)

	// KillByName removes the container at the OS level, independently
	// of any local process handle. Best-effort: a missing container is
	// not an error.
	KillByName(ctx context.Context, name string) error
}

// sanitizeKey makes an environment ID safe for Docker container names.
func sanitizeKey(key string) string {
	safe := strings.NewReplacer(
		":", "-",
		"/", "-",
		" ", "-",
		".", "-",
	).Replace(key)

	if len(safe) > 50 {
		safe = safe[:50]
	}
	return safe
}
