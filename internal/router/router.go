package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/sprite-bridge/internal/metrics"
	"github.com/rickgao/sprite-bridge/internal/protocol"
	"github.com/rickgao/sprite-bridge/internal/session"
)

// Router moves envelopes between browser tabs and sprite links.
type Router interface {
	// HandleBrowser routes one frame from an authenticated tab.
	HandleBrowser(tab Tab, raw []byte)

	// HandleBackend fans one sprite line out to every tab of the user.
	HandleBackend(userID string, line []byte)

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	sessions Sessions
	tabs     Broadcaster
	logger   *slog.Logger

	// Stats
	mu               sync.RWMutex
	received         int64
	routed           int64
	buffered         int64
	rejected         int64
	parseErrors      int64
	backendReceived  int64
	backendBroadcast int64
	backendErrors    int64
}

// NewRouter creates a new Message Router.
func NewRouter(sessions Sessions, tabs Broadcaster, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		sessions: sessions,
		tabs:     tabs,
		logger:   logger,
	}
}

// HandleBrowser validates raw and forwards or buffers it. Problems are
// reported to the sending tab only; the connection stays open.
func (r *router) HandleBrowser(tab Tab, raw []byte) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	env, err := protocol.Parse(raw)
	if err != nil {
		r.logger.Debug("invalid browser frame", "user", tab.UserID(), "tab", tab.ID(), "error", err)
		code := protocol.CodeInvalidFrame
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		r.invalid(tab, code, err.Error())
		return
	}

	switch {
	case env.Type == protocol.TypeAuth:
		r.invalid(tab, protocol.CodeAlreadyAuthed, "connection is already authenticated")
		return
	case !inbound[env.Type]:
		r.invalid(tab, protocol.CodeUnknownType, fmt.Sprintf("type %q is not accepted from clients", env.Type))
		return
	}

	// Links are newline framed, so the frame must be a single line
	var line bytes.Buffer
	if err := json.Compact(&line, raw); err != nil {
		r.invalid(tab, protocol.CodeInvalidFrame, err.Error())
		return
	}

	outcome := r.sessions.Submit(tab.UserID(), line.Bytes())
	metrics.MessagesTotal.WithLabelValues("inbound", outcome.String()).Inc()

	switch outcome {
	case session.OutcomeForwarded:
		r.mu.Lock()
		r.routed++
		r.mu.Unlock()

	case session.OutcomeBuffered:
		r.mu.Lock()
		r.buffered++
		r.mu.Unlock()
		r.logger.Debug("message buffered during recovery", "user", tab.UserID(), "id", env.ID)

	case session.OutcomeRejected:
		r.reject(tab, protocol.CodeBufferFull,
			fmt.Sprintf("message %s dropped: too many messages waiting for the sprite", env.ID))

	case session.OutcomeNotReady:
		r.reject(tab, protocol.CodeNotReady,
			fmt.Sprintf("message %s dropped: sprite is unavailable, reload to reconnect", env.ID))

	default:
		r.logger.Warn("message for user without session dropped", "user", tab.UserID(), "id", env.ID)
	}
}

// HandleBackend validates a sprite line and broadcasts it unchanged.
func (r *router) HandleBackend(userID string, line []byte) {
	r.mu.Lock()
	r.backendReceived++
	r.mu.Unlock()

	env, err := protocol.Parse(line)
	if err != nil {
		r.mu.Lock()
		r.backendErrors++
		r.mu.Unlock()
		metrics.MessagesTotal.WithLabelValues("outbound", "invalid").Inc()
		r.logger.Warn("dropping malformed sprite message", "user", userID, "error", err)
		return
	}

	n := r.tabs.Broadcast(userID, line)
	metrics.MessagesTotal.WithLabelValues("outbound", "broadcast").Inc()

	r.mu.Lock()
	r.backendBroadcast++
	r.mu.Unlock()

	r.logger.Debug("sprite message broadcast", "user", userID, "type", env.Type, "tabs", n)
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		MessagesReceived:   r.received,
		MessagesRouted:     r.routed,
		MessagesBuffered:   r.buffered,
		MessagesRejected:   r.rejected,
		ParseErrors:        r.parseErrors,
		BackendReceived:    r.backendReceived,
		BackendBroadcast:   r.backendBroadcast,
		BackendParseErrors: r.backendErrors,
	}
}

// invalid counts a frame that failed validation and tells the tab.
func (r *router) invalid(tab Tab, code, message string) {
	r.mu.Lock()
	r.parseErrors++
	r.mu.Unlock()
	metrics.MessagesTotal.WithLabelValues("inbound", "invalid").Inc()
	r.reply(tab, code, message)
}

// reject counts a valid frame that could not be delivered and tells the tab.
func (r *router) reject(tab Tab, code, message string) {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
	r.reply(tab, code, message)
}

func (r *router) reply(tab Tab, code, message string) {
	if err := tab.Send(protocol.MustEncode(protocol.SystemError(code, message))); err != nil {
		r.logger.Debug("error reply failed", "tab", tab.ID(), "error", err)
	}
}
