package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rickgao/sprite-bridge/internal/protocol"
)

// Errors
var (
	ErrConnClosed     = errors.New("browser connection closed")
	ErrSendBufferFull = errors.New("browser send buffer full")
)

// browserConn is one browser socket. Writes go through a buffered channel
// drained by writeLoop so Send never blocks the caller.
type browserConn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	send chan []byte
	done chan struct{}

	// Write serialization between writeLoop and close frames
	writeMu sync.Mutex

	mu     sync.RWMutex
	userID string

	open      atomic.Bool
	closeOnce sync.Once
}

func newBrowserConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *browserConn {
	c := &browserConn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		send:         make(chan []byte, cfg.SendBuffer),
		done:         make(chan struct{}),
	}
	c.logger = logger.With("conn", c.id)
	c.open.Store(true)
	return c
}

// ID returns the connection ID.
func (c *browserConn) ID() string { return c.id }

// UserID returns the authenticated user, or "" before auth.
func (c *browserConn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *browserConn) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Open reports whether the socket is still usable.
func (c *browserConn) Open() bool {
	return c.open.Load()
}

// Send queues data for the browser. When the buffer is full an ordinary
// frame is dropped, but a dropped system frame would leave the browser with
// the wrong session status, so the socket is closed with a recoverable code
// and the reconnect resyncs it.
func (c *browserConn) Send(data []byte) error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if !isSystemFrame(data) {
		c.logger.Warn("browser send buffer full, dropping frame")
		return ErrSendBufferFull
	}
	c.logger.Warn("browser send buffer full, closing to resync")
	c.open.Store(false)
	go c.closeWith(protocol.CloseTryAgainLater, "send buffer full")
	return ErrSendBufferFull
}

func isSystemFrame(data []byte) bool {
	var head struct {
		Type protocol.Type `json:"type"`
	}
	return json.Unmarshal(data, &head) == nil && head.Type == protocol.TypeSystem
}

// closeWith sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (c *browserConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)

		c.writeMu.Lock()
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// writeLoop drains the send channel and pings the browser until the
// connection closes.
func (c *browserConn) writeLoop() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("browser write failed", "error", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-tick:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

func (c *browserConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// extendReadDeadline keeps the socket alive while pongs or frames arrive.
func (c *browserConn) extendReadDeadline() {
	if c.pingInterval > 0 {
		c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	} else {
		c.ws.SetReadDeadline(time.Time{})
	}
}
