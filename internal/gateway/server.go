// Package gateway is the WebSocket front door: it admits connections
// (after the opaque credential gate), runs one read/write pump pair per
// client, and dispatches inbound {event, data} envelopes to the
// components that own them.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/sandpad/internal/collab"
	"github.com/nextlevelbuilder/sandpad/internal/registry"
	"github.com/nextlevelbuilder/sandpad/internal/session"
	"github.com/nextlevelbuilder/sandpad/internal/store"
	"github.com/nextlevelbuilder/sandpad/pkg/protocol"
)

// sendBufferSize is the per-client outbound buffer. A full buffer means
// the client is too slow; further broadcasts to it are dropped rather
// than blocking the sender.
const sendBufferSize = 256

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize bounds inbound frames; file contents ride inside
	// run requests, so this is generous.
	maxMessageSize = 4 << 20
)

// Config holds the gateway's transport settings.
type Config struct {
	Addr string `json:"addr"`

	// Token is the shared credential checked before upgrade. Empty
	// disables the gate (development mode).
	Token string `json:"token"`
}

// Server accepts WebSocket connections and dispatches client messages.
type Server struct {
	cfg      Config
	registry *registry.Registry
	files    *store.Files
	engine   *collab.Engine
	sessions *session.Manager

	upgrader   websocket.Upgrader
	httpServer *http.Server
	handlers   map[string]handlerFunc
	tracer     trace.Tracer
}

type handlerFunc func(ctx context.Context, c *Client, data []byte)

// NewServer wires the dispatcher over the given components.
func NewServer(cfg Config, reg *registry.Registry, files *store.Files, engine *collab.Engine, sessions *session.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		files:    files,
		engine:   engine,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gate is the token, not the Origin header; browser
			// clients are served from arbitrary preview hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		tracer: otel.Tracer("sandpad/gateway"),
	}
	s.handlers = map[string]handlerFunc{
		protocol.EventGetFiles:      s.handleGetFiles,
		protocol.EventDiffLine:      s.handleDiffLine,
		protocol.EventRun:           s.handleRun,
		protocol.EventInput:         s.handleInput,
		protocol.EventStop:          s.handleStop,
		protocol.EventRenameFile:    s.handleRenameFile,
		protocol.EventDeleteFile:    s.handleDeleteFile,
		protocol.EventDuplicateFile: s.handleDuplicateFile,
		protocol.EventCursorMove:    s.handleCursorMove,
		protocol.EventInputChange:   s.handleInputChange,
	}
	return s
}

// Start listens for connections. Blocks until Shutdown or a listener
// error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: mux}
	slog.Info("gateway: listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket gates, upgrades, and hands the connection to its
// pumps. The credential is treated as an opaque pre-validated gate: no
// message is dispatched before it passes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = bearerToken(r)
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			slog.Debug("gateway: rejected connection", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("gateway: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Client{
		server:    s,
		conn:      conn,
		sessionID: uuid.NewString(),
		send:      make(chan protocol.Envelope, sendBufferSize),
		done:      make(chan struct{}),
		// Terminal input cap: 1000 msg/s with a small burst. Protects
		// the PTY from a flooding client without throttling edits.
		inputLimiter: rate.NewLimiter(rate.Limit(1000), 20),
	}

	slog.Info("gateway: client connected", "session", c.sessionID, "remote", r.RemoteAddr)

	go c.writePump()
	c.Send(protocol.NewEnvelope(protocol.EventConnected, protocol.ConnectedData{
		SessionID: c.sessionID,
	}))
	go c.readPump()
}

// dispatch routes one inbound frame. Every failure mode (bad JSON,
// unknown event, handler panic) turns into an error event to the
// sender only; other clients and shared state are untouched.
func (s *Server) dispatch(c *Client, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("gateway: handler panic", "session", c.sessionID, "panic", rec)
			c.Send(protocol.NewError("internal error", fmt.Sprint(rec)))
		}
	}()

	env, err := decodeEnvelope(data)
	if err != nil {
		c.Send(protocol.NewError("Invalid JSON", ""))
		return
	}

	handler, ok := s.handlers[env.Event]
	if !ok {
		c.Send(protocol.NewError("unknown event: "+env.Event, ""))
		return
	}

	ctx, span := s.tracer.Start(context.Background(), "gateway."+env.Event)
	defer span.End()
	handler(ctx, c, env.Data)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
