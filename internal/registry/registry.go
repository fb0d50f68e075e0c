// Package registry tracks which clients are watching which environment
// and fans outbound events out to them. It tracks client handles
// weakly: the transport lifecycle belongs to the gateway, and the
// client's own disconnect handler is the sole cleanup path.
package registry

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/sandpad/pkg/protocol"
)

// Client is the handle the registry holds for one live connection.
type Client interface {
	// SessionID is the server-generated identifier for the connection.
	SessionID() string

	// Open reports whether the transport can still accept sends.
	Open() bool

	// Send queues an envelope for delivery. Best-effort: the registry
	// ignores the error, broadcast is fire-and-forget per client.
	Send(env protocol.Envelope) error
}

// TeardownFunc is invoked when the last client of an environment
// unregisters. The session manager hooks this to stop the sandbox once
// nobody is watching.
type TeardownFunc func(envID string)

// Registry maps environment IDs to their connected client sets.
type Registry struct {
	mu       sync.RWMutex
	envs     map[string]map[Client]struct{}
	teardown TeardownFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{envs: make(map[string]map[Client]struct{})}
}

// SetTeardown installs the last-client-gone callback. Must be called
// before clients connect; the session manager and registry are
// mutually dependent, so wiring happens in two steps.
func (r *Registry) SetTeardown(fn TeardownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = fn
}

// Register adds a client to an environment's set. Idempotent.
func (r *Registry) Register(envID string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.envs[envID]
	if !ok {
		set = make(map[Client]struct{})
		r.envs[envID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a client from an environment's set. When the set
// empties, the entry is discarded and the teardown callback fires.
// This is the sole automatic trigger for stopping a session when all
// observers leave. Unregister happens before the teardown decision, so
// a re-connecting client racing the teardown sees a clean slate.
func (r *Registry) Unregister(envID string, c Client) {
	r.mu.Lock()
	set, ok := r.envs[envID]
	if ok {
		delete(set, c)
	}
	empty := ok && len(set) == 0
	if empty {
		delete(r.envs, envID)
	}
	teardown := r.teardown
	r.mu.Unlock()

	if empty && teardown != nil {
		slog.Debug("registry: last client left, tearing down", "env", envID)
		teardown(envID)
	}
}

// Broadcast delivers an envelope to every open client of an environment
// except the excluded one (nil means no exclusion). Closed clients are
// silently skipped; their disconnect handlers unregister them.
func (r *Registry) Broadcast(envID string, env protocol.Envelope, except Client) {
	r.mu.RLock()
	set := r.envs[envID]
	clients := make([]Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if c == except || !c.Open() {
			continue
		}
		if err := c.Send(env); err != nil {
			slog.Debug("registry: dropped broadcast to client",
				"env", envID, "client", c.SessionID(), "error", err)
		}
	}
}

// BroadcastAll delivers an envelope to every open client of an
// environment, sender included. This is what the session manager uses:
// output, exit, and stopped events go to every observer.
func (r *Registry) BroadcastAll(envID string, env protocol.Envelope) {
	r.Broadcast(envID, env, nil)
}

// ClientCount returns the number of clients bound to an environment.
func (r *Registry) ClientCount(envID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.envs[envID])
}
