package link

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Link is a handshaken connection to a sprite.
type Link struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	conn *websocket.Conn

	state atomic.Int32
	done  chan struct{}

	// Write serialization
	writeMu sync.Mutex

	closeOnce  sync.Once
	notifyOnce sync.Once

	mu         sync.Mutex
	lastPongAt time.Time
	target     string // target reported by the ack
}

// Dial connects to the sprite proxy and runs the descriptor handshake.
// The returned link is in StateConnected.
func Dial(ctx context.Context, cfg Config, handlers Handlers, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		done:     make(chan struct{}),
	}
	l.state.Store(int32(StateConnecting))

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		l.state.Store(int32(StateClosed))
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial sprite proxy: %w", err)
	}
	l.conn = conn

	if err := l.handshake(ctx); err != nil {
		l.state.Store(int32(StateClosed))
		conn.Close()
		return nil, err
	}

	l.mu.Lock()
	l.lastPongAt = time.Now()
	l.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		l.mu.Lock()
		l.lastPongAt = time.Now()
		l.mu.Unlock()
		return nil
	})

	l.state.Store(int32(StateConnected))

	go l.readLoop()
	if cfg.PingInterval > 0 {
		go l.heartbeatLoop()
	}

	l.logger.Debug("sprite link connected", "url", cfg.URL, "target", l.target)

	return l, nil
}

// handshake sends the descriptor and waits for exactly one ack frame.
func (l *Link) handshake(ctx context.Context) error {
	// Unblock the read below if the caller gives up
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	descriptor, err := json.Marshal(l.cfg.Target)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, descriptor); err != nil {
		return fmt.Errorf("%w: write descriptor: %v", ErrClosedDuringInit, err)
	}

	if l.cfg.HandshakeTimeout > 0 {
		l.conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	}

	_, data, err := l.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("%w: %v", ErrClosedDuringInit, err)
	}

	// Clear the handshake deadline
	l.conn.SetReadDeadline(time.Time{})

	var a ack
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("%w: malformed ack: %v", ErrHandshakeRejected, err)
	}
	if a.Status != "connected" {
		return fmt.Errorf("%w: status=%q error=%q", ErrHandshakeRejected, a.Status, a.Error)
	}

	l.target = a.Target
	return nil
}

// Send writes one envelope line. Returns false if the link is not connected
// or the write fails.
func (l *Link) Send(data []byte) bool {
	if l.State() != StateConnected {
		return false
	}

	frame := data
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		frame = make([]byte, 0, len(data)+1)
		frame = append(frame, data...)
		frame = append(frame, '\n')
	}

	l.writeMu.Lock()
	l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	err := l.conn.WriteMessage(websocket.TextMessage, frame)
	l.writeMu.Unlock()

	if err != nil {
		l.logger.Warn("sprite link write failed", "error", err)
		l.fail(err)
		return false
	}
	return true
}

// Close closes the link without invoking OnClose. Safe to call repeatedly.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		// Suppress the remote-close notification
		l.notifyOnce.Do(func() {})
		l.state.Store(int32(StateClosed))
		close(l.done)

		if l.conn != nil {
			l.writeMu.Lock()
			l.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			l.writeMu.Unlock()
			err = l.conn.Close()
		}
	})
	return err
}

// State returns the current state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Target returns the target reported by the ack.
func (l *Link) Target() string {
	return l.target
}

// Done is closed once the link reaches StateClosed.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// fail tears down the connection after a remote close or I/O error and
// notifies OnClose once.
func (l *Link) fail(cause error) {
	l.closeOnce.Do(func() {
		l.state.Store(int32(StateClosed))
		close(l.done)
		if l.conn != nil {
			l.conn.Close()
		}
	})

	l.notifyOnce.Do(func() {
		l.logger.Info("sprite link closed", "error", cause)
		if l.handlers.OnClose != nil {
			l.handlers.OnClose(cause)
		}
	})
}

// readLoop splits incoming frames into lines and hands them to OnMessage.
func (l *Link) readLoop() {
	var pending []byte

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				// Closed locally
				return
			default:
			}
			l.fail(err)
			return
		}

		pending = append(pending, data...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := bytes.TrimSpace(pending[:i])
			pending = pending[i+1:]
			if len(line) == 0 {
				continue
			}
			if l.handlers.OnMessage != nil {
				out := make([]byte, len(line))
				copy(out, line)
				l.handlers.OnMessage(out)
			}
		}
		if len(pending) == 0 {
			pending = nil
		}
	}
}

// heartbeatLoop pings the proxy and fails the link when pongs stop.
func (l *Link) heartbeatLoop() {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(l.cfg.WriteTimeout))
			l.writeMu.Unlock()
			if err != nil {
				l.logger.Debug("failed to send ping", "error", err)
			}

			l.mu.Lock()
			lastPong := l.lastPongAt
			l.mu.Unlock()

			if l.cfg.PingTimeout > 0 && time.Since(lastPong) > l.cfg.PingTimeout {
				l.logger.Warn("no pong received, link stale",
					"last_pong", lastPong,
					"timeout", l.cfg.PingTimeout,
				)
				l.fail(ErrStaleConnection)
				return
			}
		}
	}
}
