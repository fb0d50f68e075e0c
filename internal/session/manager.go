// Package session owns the lifecycle of at most one running sandbox
// per environment: starting (with restart semantics), relaying
// terminal input, stopping, and fanning output and exit events out to
// every connected client.
//
// All lifecycle transitions for one environment run under that
// environment's mutex. The gateway handles messages on one goroutine
// per connection, so without the lock two clients issuing run/stop
// concurrently could interleave a spawn with a teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/sandpad/internal/collab"
	"github.com/nextlevelbuilder/sandpad/internal/sandbox"
	"github.com/nextlevelbuilder/sandpad/internal/store"
	"github.com/nextlevelbuilder/sandpad/pkg/protocol"
)

// EntryFileName is the canonical entry-point file. When a run requests
// it and the store holds no content for it, DefaultEntryBody is used.
// That is a convenience for brand-new environments, not a general
// default-file mechanism.
const EntryFileName = "main.py"

// DefaultEntryBody is the built-in body for an empty entry-point file.
const DefaultEntryBody = "print(\"Hello, world!\")\n"

// readBufSize is the chunk size for PTY output reads. Output is
// broadcast chunk by chunk, not line-buffered, so interactive programs
// (prompts without trailing newlines) render correctly.
const readBufSize = 4096

// Broadcaster delivers an event to every client of an environment.
// Satisfied by *registry.Registry.
type Broadcaster interface {
	BroadcastAll(envID string, env protocol.Envelope)
}

// Session is one running sandboxed execution for one environment.
type Session struct {
	EnvID   string
	Name    string // container name, deterministic per environment
	Workdir string

	proc sandbox.Proc
}

// envState carries the per-environment lock and the zero-or-one active
// session behind it.
type envState struct {
	mu   sync.Mutex
	sess *Session
}

// Manager starts, restarts, and stops sandbox sessions.
type Manager struct {
	files       *store.Files
	runner      sandbox.Runner
	sandboxCfg  sandbox.Config
	broadcaster Broadcaster

	// workspaceRoot is the host directory under which per-environment
	// working directories are materialized.
	workspaceRoot string

	mu   sync.Mutex
	envs map[string]*envState
}

// NewManager creates a session manager.
func NewManager(files *store.Files, runner sandbox.Runner, cfg sandbox.Config, b Broadcaster, workspaceRoot string) *Manager {
	return &Manager{
		files:         files,
		runner:        runner,
		sandboxCfg:    cfg,
		broadcaster:   b,
		workspaceRoot: workspaceRoot,
		envs:          make(map[string]*envState),
	}
}

// Start launches a new session for the environment, stopping any
// existing one first. fileNames is the ordered set of files the client
// wants in the run; clientHash is the client's digest over its local
// copy of those files. When the server-side digest differs, the run
// uses clientFiles verbatim: the requester's in-memory state beats a
// possibly stale store read.
//
// On any failure after the restart decision, a synthetic output line
// and an exit(1) are broadcast so every observer sees the same failed
// run, and the environment is left with no active session.
func (m *Manager) Start(ctx context.Context, envID string, fileNames []string, clientHash string, clientFiles map[string]string) error {
	if len(fileNames) == 0 {
		return errors.New("session: no files requested")
	}

	st := m.envState(envID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sess != nil {
		m.stopLocked(st)
		m.broadcaster.BroadcastAll(envID, protocol.NewEnvelope(protocol.EventStopped, protocol.StoppedData{
			EnvironmentID: envID,
			Success:       true,
			Reason:        "restarted",
		}))
	}

	sess, err := m.launch(ctx, envID, fileNames, clientHash, clientFiles)
	if err != nil {
		slog.Error("session: start failed", "env", envID, "error", err)
		m.broadcastFailure(envID, err)
		return err
	}

	st.sess = sess
	go m.relay(st, sess)
	return nil
}

// launch performs steps 2–6 of a start: fetch files, check divergence,
// materialize the working directory, pick the entry file, and spawn.
func (m *Manager) launch(ctx context.Context, envID string, fileNames []string, clientHash string, clientFiles map[string]string) (*Session, error) {
	files := make(map[string]string, len(fileNames))
	for _, name := range fileNames {
		content, err := m.files.Get(ctx, envID, name)
		if errors.Is(err, store.ErrNotFound) {
			if name == EntryFileName {
				content = DefaultEntryBody
			} else {
				content = ""
			}
		} else if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", name, err)
		}
		files[name] = content
	}

	if collab.HashFiles(fileNames, files) != clientHash {
		slog.Warn("session: client view diverged from store, running client files", "env", envID)
		files = clientFiles
	}

	name := m.sandboxCfg.ContainerName(envID)
	workdir := filepath.Join(m.workspaceRoot, name)

	// Fresh directory per run; the spawn must not start until every
	// file write has returned.
	if err := os.RemoveAll(workdir); err != nil {
		return nil, fmt.Errorf("clear workdir: %w", err)
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	for fname, content := range files {
		path := filepath.Join(workdir, filepath.Base(fname))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", fname, err)
		}
	}

	entry := fileNames[0]
	for _, fname := range fileNames {
		if fname == EntryFileName {
			entry = fname
			break
		}
	}

	proc, err := m.runner.Spawn(ctx, name, workdir, filepath.Base(entry))
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	return &Session{
		EnvID:   envID,
		Name:    name,
		Workdir: workdir,
		proc:    proc,
	}, nil
}

// relay streams PTY output to the environment's clients and, once the
// process exits, broadcasts the exit code and clears the session
// record, unless a restart has already installed a newer session.
func (m *Manager) relay(st *envState, s *Session) {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			m.broadcaster.BroadcastAll(s.EnvID, protocol.NewEnvelope(protocol.EventOutput, protocol.OutputData{
				Output: string(buf[:n]),
			}))
		}
		if err != nil {
			break
		}
	}

	code := s.proc.Wait()
	m.broadcaster.BroadcastAll(s.EnvID, protocol.NewEnvelope(protocol.EventExit, protocol.ExitData{
		ExitCode: code,
	}))
	slog.Info("session: process exited", "env", s.EnvID, "exitCode", code)

	st.mu.Lock()
	if st.sess == s {
		st.sess = nil
	}
	st.mu.Unlock()
}

// SendInput writes one newline-terminated line of terminal input to
// the active session. Returns false when there is no session or the
// write fails.
func (m *Manager) SendInput(envID, text string) bool {
	st := m.envState(envID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sess == nil {
		return false
	}
	if _, err := st.sess.proc.Write([]byte(text + "\n")); err != nil {
		slog.Debug("session: input write failed", "env", envID, "error", err)
		return false
	}
	return true
}

// Stop terminates the environment's session. Returns false (not an
// error) when no session is active.
func (m *Manager) Stop(envID string) bool {
	st := m.envState(envID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.stopLocked(st)
}

// stopLocked issues the two termination requests (OS-level removal by
// container name, local handle kill) without waiting on either,
// then clears the record. Must be called with st.mu held.
func (m *Manager) stopLocked(st *envState) bool {
	if st.sess == nil {
		return false
	}
	s := st.sess

	go func() {
		if err := m.runner.KillByName(context.Background(), s.Name); err != nil {
			slog.Debug("session: kill by name", "name", s.Name, "error", err)
		}
	}()
	if err := s.proc.Kill(); err != nil {
		slog.Debug("session: local kill", "env", s.EnvID, "error", err)
	}

	st.sess = nil
	slog.Info("session: stopped", "env", s.EnvID, "container", s.Name)
	return true
}

// StopAll terminates every active session. Called on gateway shutdown
// so containers do not outlive the process. Returns the number of
// sessions stopped.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	states := make([]*envState, 0, len(m.envs))
	for _, st := range m.envs {
		states = append(states, st)
	}
	m.mu.Unlock()

	stopped := 0
	for _, st := range states {
		st.mu.Lock()
		if m.stopLocked(st) {
			stopped++
		}
		st.mu.Unlock()
	}
	return stopped
}

// Active reports whether the environment has a running session.
func (m *Manager) Active(envID string) bool {
	st := m.envState(envID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess != nil
}

// broadcastFailure converts a start failure into a synthetic terminal
// line plus exit(1) so all observers see a consistent failed run.
func (m *Manager) broadcastFailure(envID string, err error) {
	m.broadcaster.BroadcastAll(envID, protocol.NewEnvelope(protocol.EventOutput, protocol.OutputData{
		Output: "error: " + err.Error() + "\r\n",
	}))
	m.broadcaster.BroadcastAll(envID, protocol.NewEnvelope(protocol.EventExit, protocol.ExitData{
		ExitCode: 1,
	}))
}

// envState returns (creating if needed) the lock-bearing state for an
// environment. State entries are never removed; they are two words per
// environment ever seen by this process.
func (m *Manager) envState(envID string) *envState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.envs[envID]
	if !ok {
		st = &envState{}
		m.envs[envID] = st
	}
	return st
}
