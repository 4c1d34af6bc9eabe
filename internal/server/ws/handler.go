// Package ws is the transport layer: it upgrades HTTP requests to
// websocket connections, assigns connection identities, and couples each
// socket's read loop to the protocol router and its write pump to the
// connection registry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/liveform/syncd/internal/server/jwt"
	"github.com/liveform/syncd/internal/server/registry"
	"github.com/liveform/syncd/internal/server/router"
	"github.com/liveform/syncd/pkg/api"
)

const (
	// DefaultPingInterval is how often the write pump emits keepalive
	// pings on an idle connection.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 10 * time.Second

	maxMessageSize = 1 << 20 // 1 MiB
)

// Options tune per-handler transport behavior. Zero values pick the
// defaults.
type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Handler upgrades HTTP requests and runs the per-connection lifecycle.
type Handler struct {
	logger   *slog.Logger
	router   *router.Router
	registry *registry.Registry
	tokens   *jwt.Service
	upgrader websocket.Upgrader

	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(logger *slog.Logger, r *router.Router, reg *registry.Registry, tokens *jwt.Service, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return &Handler{
		logger:   logger,
		router:   r,
		registry: reg,
		tokens:   tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The engine has no browser-origin policy of its own; the
			// deployment puts one in front when it needs one.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
	}
}

// ServeHTTP upgrades the request and serves the connection until the
// client goes away or breaks the protocol.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	connID := h.connectionID(r)
	logger := h.logger.With("conn_id", connID)

	c := newConn(logger, socket, h.pingInterval, h.writeTimeout)

	// Registration order matters: the registry owns the sink before the
	// router session exists, so the first targeted send cannot miss.
	// A resume while the previous socket is still open evicts it; the
	// stale socket is closed here so its teardown cannot strip the
	// resumed connection of its registration.
	if prev := h.registry.Register(connID, c); prev != nil {
		logger.Info("Identity resumed, closing previous socket")
		if stale, ok := prev.(*conn); ok {
			stale.close()
		}
	}
	epoch := h.router.Connect(connID)

	go c.writePump()

	if err := h.sendHello(c, connID); err != nil {
		logger.Warn("Failed to send hello", "error", err)
		h.teardown(c, connID, epoch)
		return
	}

	logger.Info("Connection established", "remote_addr", r.RemoteAddr)

	h.readLoop(r.Context(), c, connID)

	h.teardown(c, connID, epoch)
	logger.Info("Connection closed")
}

// teardown releases everything this physical connection owns. The
// compare-and-delete against the registry and the epoch check inside
// Disconnect keep a stale socket's exit from dismantling a connection
// that resumed the same identity.
func (h *Handler) teardown(c *conn, connID string, epoch uint64) {
	h.registry.UnregisterSink(connID, c)
	h.router.Disconnect(connID, epoch)
	c.close()
}

// connectionID resolves the identity of a connection: a valid resume
// token keeps the previous id, anything else gets a fresh one.
func (h *Handler) connectionID(r *http.Request) string {
	token := r.URL.Query().Get("resume")
	if token == "" {
		return uuid.NewString()
	}

	connID, err := h.tokens.ValidateResumeToken(token)
	if err != nil {
		h.logger.Warn("Resume token rejected, assigning new identity", "remote_addr", r.RemoteAddr, "error", err)
		return uuid.NewString()
	}
	return connID
}

// sendHello announces the connection id and a fresh resume token as the
// first message on the wire.
func (h *Handler) sendHello(c *conn, connID string) error {
	token, err := h.tokens.IssueResumeToken(connID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(api.Hello{
		Type:         api.TypeHello,
		ConnectionID: connID,
		ResumeToken:  token,
	})
	if err != nil {
		return err
	}

	return c.Send(payload)
}

// readLoop feeds inbound messages to the router until the socket fails
// or the router declares the connection hopeless.
func (h *Handler) readLoop(ctx context.Context, c *conn, connID string) {
	pongWait := h.pingInterval * 2

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Read failed", "error", err)
			}
			return
		}

		if err := h.router.HandleMessage(ctx, connID, data); err != nil {
			if errors.Is(err, router.ErrProtocolBudgetExceeded) {
				c.logger.Warn("Closing connection over protocol violations")
				deadline := time.Now().Add(h.writeTimeout)
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many malformed messages")
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			}
			return
		}
	}
}
