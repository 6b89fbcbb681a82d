package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rickgao/sprite-bridge/internal/directory"
	"github.com/rickgao/sprite-bridge/internal/metrics"
	"github.com/rickgao/sprite-bridge/internal/protocol"
)

// handleWS runs one browser connection from upgrade to close.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newBrowserConn(ws, s.cfg, s.logger)
	if !s.track(conn) {
		conn.closeWith(websocket.CloseGoingAway, "gateway shutting down")
		return
	}
	defer s.untrack(conn)

	go conn.writeLoop()

	userID, ok := s.authenticate(c.Request.Context(), conn)
	if !ok {
		return
	}
	logger := s.logger.With("conn", conn.ID(), "user", userID)

	conn.setUser(userID)
	conn.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		conn.extendReadDeadline()
		return nil
	})

	connected, _ := protocol.New(protocol.TypeSystem, protocol.SystemPayload{
		Event:  protocol.EventConnected,
		UserID: userID,
	})
	conn.Send(protocol.MustEncode(connected))

	tabs := s.deps.Registry.AddTab(conn)
	logger.Info("browser connected", "tabs", tabs)
	s.deps.Greeter.Greet(conn)

	defer func() {
		conn.closeWith(websocket.CloseNormalClosure, "")
		remaining := s.deps.Registry.RemoveTab(conn)
		logger.Info("browser disconnected", "tabs", remaining)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debug("browser read error", "error", err)
			}
			return
		}
		conn.extendReadDeadline()
		s.deps.Router.HandleBrowser(conn, data)
	}
}

// authenticate waits for the auth frame and resolves it to a known user.
// On failure the socket is closed with the matching code.
func (s *Server) authenticate(ctx context.Context, conn *browserConn) (string, bool) {
	ws := conn.ws
	ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	_, data, err := ws.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.reject(conn, protocol.CloseAuthRequired, "timeout", "authentication timeout")
			return "", false
		}
		// Gone before authenticating
		conn.closeWith(websocket.CloseNormalClosure, "")
		return "", false
	}

	env, err := protocol.Parse(data)
	if err != nil {
		if isAuthFrame(data) {
			s.reject(conn, protocol.CloseInvalidAuth, "invalid_token", "invalid authentication")
		} else {
			s.reject(conn, protocol.CloseAuthRequired, "auth_required", "authentication required")
		}
		return "", false
	}
	if env.Type != protocol.TypeAuth {
		s.reject(conn, protocol.CloseAuthRequired, "auth_required", "authentication required")
		return "", false
	}

	var p protocol.AuthPayload
	if err := env.DecodePayload(&p); err != nil {
		s.reject(conn, protocol.CloseInvalidAuth, "invalid_token", "invalid authentication")
		return "", false
	}

	userID, err := s.deps.Verifier.Verify(p.Token)
	if err != nil {
		s.logger.Debug("browser token rejected", "conn", conn.ID(), "error", err)
		s.reject(conn, protocol.CloseInvalidAuth, "invalid_token", "invalid authentication")
		return "", false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()
	if _, err := s.deps.Directory.Lookup(lookupCtx, userID); err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			s.reject(conn, protocol.CloseUserNotFound, "user_not_found", "user not found")
			return "", false
		}
		s.logger.Error("directory lookup failed", "user", userID, "error", err)
		s.reject(conn, websocket.CloseInternalServerErr, "directory", "directory unavailable")
		return "", false
	}

	return userID, true
}

func (s *Server) reject(conn *browserConn, code int, reason, message string) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	s.logger.Info("browser rejected", "conn", conn.ID(), "code", code, "reason", reason)
	conn.closeWith(code, message)
}

// isAuthFrame reports whether data claims to be an auth envelope, even one
// that failed validation.
func isAuthFrame(data []byte) bool {
	var head struct {
		Type protocol.Type `json:"type"`
	}
	return json.Unmarshal(data, &head) == nil && head.Type == protocol.TypeAuth
}
