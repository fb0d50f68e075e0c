package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/sandpad/pkg/protocol"
)

// ErrClientClosed is returned by Send after the client has started
// shutting down.
var ErrClientClosed = errors.New("gateway: client closed")

// ErrSendBufferFull is returned when the client's outbound buffer is
// full. The message is dropped; broadcast is best-effort per client.
var ErrSendBufferFull = errors.New("gateway: client send buffer full")

// Client is one live WebSocket connection. It implements
// registry.Client. All handler code for the connection runs on its
// readPump goroutine; envID is only touched there.
type Client struct {
	server *Server
	conn   *websocket.Conn

	// sessionID is the server-generated identifier, distinct from any
	// environment ID, announced in the connected event.
	sessionID string

	// envID is the bound environment, set on the first
	// environment-scoped message. Rebinding overwrites it without
	// unregistering from the previous environment; see bind.
	envID string

	// envIDs is every environment this connection ever bound, so the
	// disconnect path can unregister all of them.
	envIDs []string

	send     chan protocol.Envelope
	done     chan struct{}
	doneOnce sync.Once

	inputLimiter *rate.Limiter
}

// SessionID implements registry.Client.
func (c *Client) SessionID() string { return c.sessionID }

// Open implements registry.Client.
func (c *Client) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues an envelope without blocking. A slow client drops
// messages instead of stalling broadcasts.
func (c *Client) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close signals shutdown exactly once. Both pumps may race to call it.
func (c *Client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(env)
			if err != nil {
				slog.Error("gateway: marshal outbound", "event", env.Event, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// disconnect is the connection's sole cleanup path: unregister from
// every environment this connection bound, telling the remaining
// clients of each to drop this peer's cursor. Runs on the readPump
// goroutine, the only place envIDs is touched.
func (c *Client) disconnect() {
	for _, envID := range c.envIDs {
		c.server.registry.Unregister(envID, c)
		c.server.registry.Broadcast(envID,
			protocol.NewEnvelope(protocol.EventDeleteCursor, protocol.DeleteCursorData{
				SessionID: c.sessionID,
			}), nil)
	}
	c.close()
	slog.Info("gateway: client disconnected", "session", c.sessionID)
}

// readPump reads frames and dispatches them.
func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("gateway: read error", "session", c.sessionID, "error", err)
			}
			return
		}
		c.server.dispatch(c, data)
	}
}
