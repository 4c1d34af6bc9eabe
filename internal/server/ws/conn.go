package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed indicates a send to a connection that is shutting down.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendBufferFull indicates a consumer that stopped draining its
	// outbound queue. The connection is closed rather than letting one
	// slow client stall delivery to everyone else.
	ErrSendBufferFull = errors.New("send buffer full")
)

const sendBufferSize = 256

// conn is the server side of one websocket connection. All outbound
// traffic funnels through the send channel into a single write pump, so
// concurrent broadcasts and targeted sends never interleave on the wire.
type conn struct {
	logger *slog.Logger
	ws     *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration
}

func newConn(logger *slog.Logger, ws *websocket.Conn, pingInterval, writeTimeout time.Duration) *conn {
	return &conn{
		logger:       logger,
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// Send queues one message for the write pump. Never blocks: a full
// buffer marks the consumer as dead and closes the connection.
func (c *conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.logger.Warn("Send buffer full, closing slow connection")
		c.close()
		return ErrSendBufferFull
	}
}

// close is idempotent; safe from both pumps and from Send.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump is the only goroutine writing to the socket. It drains the
// send queue and emits keepalive pings while the queue is idle.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Keepalive ping failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
