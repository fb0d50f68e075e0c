package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	shellwords "github.com/mattn/go-shellwords"
)

// CheckDockerAvailable verifies that the Docker CLI and daemon are
// accessible. Returns nil if Docker is ready, or an error describing
// the failure.
func CheckDockerAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker not available: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DockerRunner runs sandboxed processes as one-shot Docker containers
// with a PTY attached to the docker CLI process.
type DockerRunner struct {
	config Config
}

// NewDockerRunner creates a runner with the given config.
func NewDockerRunner(cfg Config) *DockerRunner {
	return &DockerRunner{config: cfg}
}

// Spawn creates the container and starts the interpreter against
// entryFile. The returned Proc streams the container's terminal.
func (r *DockerRunner) Spawn(ctx context.Context, name, hostWorkdir, entryFile string) (Proc, error) {
	interp, err := shellwords.Parse(r.config.Interpreter)
	if err != nil || len(interp) == 0 {
		return nil, fmt.Errorf("sandbox: bad interpreter command %q: %w", r.config.Interpreter, err)
	}

	// A previous gateway process may have left a container behind
	// under this name; the name is deterministic, so remove it first.
	_ = r.KillByName(ctx, name)

	args := buildRunArgs(r.config, name, hostWorkdir, interp, entryFile)
	slog.Debug("sandbox: starting container", "name", name, "args", args)

	cmd := exec.Command("docker", args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker run %s: %w", name, err)
	}

	slog.Info("sandbox: container started",
		"name", name, "image", r.config.Image, "entry", entryFile)

	return &dockerProc{name: name, cmd: cmd, ptmx: ptmx}, nil
}

// KillByName force-removes the container at the OS level. Independent
// of the local process handle, fire-and-forget per the teardown
// semantics: the caller never waits on confirmation.
func (r *DockerRunner) KillByName(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "No such container") {
			return nil
		}
		slog.Debug("sandbox: kill by name failed", "name", name, "error", err, "output", msg)
		return fmt.Errorf("sandbox: docker rm %s: %w", name, err)
	}
	return nil
}

// buildRunArgs assembles the docker run argument list. Kept as a pure
// function so the hardening flags stay testable without a daemon.
func buildRunArgs(cfg Config, name, hostWorkdir string, interp []string, entryFile string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", "sandpad.env=true",
		"-i", "-t",
	}

	if cfg.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	for _, t := range cfg.Tmpfs {
		args = append(args, "--tmpfs", t)
	}
	for _, c := range cfg.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	args = append(args, "--security-opt", "no-new-privileges")

	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}

	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	if cfg.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.1f", cfg.CPUs))
	}
	if cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", cfg.PidsLimit))
	}

	if !cfg.NetworkEnabled {
		args = append(args, "--network", "none")
	}

	workdir := cfg.ContainerWorkdir()
	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", hostWorkdir, workdir))
	args = append(args, "-w", workdir)

	args = append(args, cfg.Image)
	args = append(args, interp...)
	args = append(args, entryFile)
	return args
}

// dockerProc wraps the docker CLI process and its PTY.
type dockerProc struct {
	name string
	cmd  *exec.Cmd
	ptmx *os.File
}

// Read streams PTY output. On Linux a closed PTY returns EIO rather
// than EOF; both end the stream, so any read error is normalized to EOF.
func (p *dockerProc) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	if err != nil {
		return n, io.EOF
	}
	return n, nil
}

func (p *dockerProc) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// Kill terminates the local docker CLI process. The container itself
// is torn down by KillByName; the two are independent, non-blocking
// termination requests.
func (p *dockerProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the docker CLI process exits, closes the PTY, and
// returns the container's exit code (docker run forwards it).
func (p *dockerProc) Wait() int {
	err := p.cmd.Wait()
	p.ptmx.Close()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
