package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/sprite-bridge/internal/buffer"
	"github.com/rickgao/sprite-bridge/internal/protocol"
)

// Manager keeps one logical connection to the gateway alive.
type Manager struct {
	cfg    Config
	dialer Dialer
	tokens TokenSource
	sched  Scheduler
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	lastErr   error
	terminal  bool
	destroyed bool
	transport Transport
	gen       uint64 // Bumped for every transport; stale read loops compare against it
	backoff   time.Duration
	timer     Timer
	queue     *buffer.Ring[[]byte]

	onStatus  func(StatusChange)
	onMessage func(protocol.Envelope)
	pending   []StatusChange
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer sets the transport dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithScheduler sets the reconnect timer source.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.sched = s
	}
}

// WithClock sets the outbound queue clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.queue = buffer.NewRing[[]byte](m.cfg.QueueCapacity, now)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// OnStatus sets the status callback.
func OnStatus(fn func(StatusChange)) Option {
	return func(m *Manager) {
		m.onStatus = fn
	}
}

// OnMessage sets the callback for envelopes that are not status events,
// including system/error replies.
func OnMessage(fn func(protocol.Envelope)) Option {
	return func(m *Manager) {
		m.onMessage = fn
	}
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, tokens TokenSource, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = defaults.QueueCapacity
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = defaults.QueueTTL
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaults.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaults.MaxBackoff
	}

	m := &Manager{
		cfg:     cfg,
		dialer:  DefaultDialer(),
		tokens:  tokens,
		sched:   realScheduler{},
		logger:  slog.Default(),
		status:  StatusDisconnected,
		backoff: cfg.MinBackoff,
		queue:   buffer.NewRing[[]byte](cfg.QueueCapacity, nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the gateway and sends the auth frame. It returns once the
// auth frame is written; readiness is reported through the status callback.
// Calling Connect on a live connection is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	switch m.status {
	case StatusConnecting, StatusAuthenticating, StatusSpriteWaking, StatusConnected:
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.terminal = false
	m.setStatusLocked(StatusConnecting, nil)
	m.mu.Unlock()
	m.dispatch()

	t, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.scheduleReconnectLocked(err)
		}
		m.mu.Unlock()
		m.dispatch()
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		t.Close(protocol.CloseNormal, "")
		return errSuperseded
	}
	m.transport = t
	m.mu.Unlock()

	token, err := m.tokens(ctx)
	if err == nil && token == "" {
		err = ErrEmptyToken
	}
	if err != nil {
		t.Close(protocol.CloseNormal, "")
		m.mu.Lock()
		if gen == m.gen {
			m.transport = nil
			m.terminalLocked(fmt.Errorf("%w: fetch token: %w", ErrTerminal, err))
		}
		m.mu.Unlock()
		m.dispatch()
		return err
	}

	env, err := protocol.New(protocol.TypeAuth, protocol.AuthPayload{Token: token})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		t.Close(protocol.CloseNormal, "")
		return errSuperseded
	}
	if err := t.Send(protocol.MustEncode(env)); err != nil {
		m.transport = nil
		m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.dispatch()
		t.Close(protocol.CloseNormal, "")
		return err
	}
	m.setStatusLocked(StatusAuthenticating, nil)
	m.mu.Unlock()
	m.dispatch()

	go m.readLoop(t, gen)
	return nil
}

// Send delivers msg when connected, queues it otherwise, and drops it after
// a terminal error.
func (m *Manager) Send(msg []byte) SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed || m.terminal {
		return Dropped
	}

	if m.transport != nil && m.status == StatusConnected {
		err := m.transport.Send(msg)
		if err == nil {
			return Sent
		}
		m.logger.Debug("send failed, queueing", "error", err)
	}

	if _, evicted := m.queue.PushEvict(msg); evicted {
		m.logger.Debug("outbound queue full, evicted oldest message")
	}
	return Queued
}

// SendEnvelope builds an envelope of type t around payload and sends it.
func (m *Manager) SendEnvelope(t protocol.Type, payload any) (SendResult, error) {
	env, err := protocol.New(t, payload)
	if err != nil {
		return Dropped, err
	}
	data, err := env.Encode()
	if err != nil {
		return Dropped, err
	}
	return m.Send(data), nil
}

// Disconnect closes the connection without reconnecting and clears the
// queue.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	t := m.disconnectLocked()
	m.mu.Unlock()
	m.dispatch()

	if t != nil {
		t.Close(protocol.CloseNormal, "")
	}
}

// Destroy disconnects and drops the callbacks. No callback fires afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.onStatus = nil
	m.onMessage = nil
	t := m.disconnectLocked()
	m.pending = nil
	m.mu.Unlock()

	if t != nil {
		t.Close(protocol.CloseNormal, "")
	}
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the error behind the latest error status.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Terminal reports whether the session ended without a reconnect.
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// QueueLen returns the number of queued outbound messages.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Backoff returns the delay the next reconnect will use.
func (m *Manager) Backoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff
}

func (m *Manager) disconnectLocked() Transport {
	m.stopTimerLocked()
	m.gen++
	t := m.transport
	m.transport = nil
	m.queue.Clear()
	if m.status != StatusDisconnected {
		m.setStatusLocked(StatusDisconnected, nil)
	}
	return t
}

// readLoop reads frames from t until it fails. Only the loop of the current
// generation may change state.
func (m *Manager) readLoop(t Transport, gen uint64) {
	for {
		data, err := t.Read()
		if err != nil {
			m.transportClosed(gen, err)
			return
		}
		m.handleFrame(gen, data)
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		m.logger.Warn("dropping malformed gateway frame", "error", err)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.destroyed {
		m.mu.Unlock()
		return
	}

	deliver := true
	var closing Transport
	if p, ok := protocol.SystemEventOf(env); ok {
		switch p.Event {
		case protocol.EventConnected:
			m.logger.Debug("gateway accepted auth", "user", p.UserID)
			deliver = false
		case protocol.EventSpriteWaking:
			m.setStatusLocked(StatusSpriteWaking, nil)
			deliver = false
		case protocol.EventSpriteReady:
			m.backoff = m.cfg.MinBackoff
			m.setStatusLocked(StatusConnected, nil)
			m.flushLocked()
			deliver = false
		case protocol.EventReconnectFailed:
			closing = m.transport
			m.transport = nil
			m.gen++
			msg := p.Message
			if msg == "" {
				msg = "sprite unavailable"
			}
			m.terminalLocked(fmt.Errorf("%w: %s", ErrTerminal, msg))
			deliver = false
		}
	}
	onMessage := m.onMessage
	m.mu.Unlock()
	m.dispatch()

	if closing != nil {
		closing.Close(protocol.CloseNormal, "")
	}
	if deliver && onMessage != nil {
		onMessage(env)
	}
}

func (m *Manager) transportClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.destroyed {
		// Replaced or closed locally
		m.mu.Unlock()
		return
	}
	m.transport = nil

	code := closeCode(err)
	if protocol.IsTerminalClose(code) {
		m.terminalLocked(fmt.Errorf("%w: %s (%d)", ErrTerminal, protocol.CloseReason(code), code))
	} else {
		m.scheduleReconnectLocked(fmt.Errorf("connection closed (%d): %w", code, err))
	}
	m.mu.Unlock()
	m.dispatch()
}

// flushLocked sends queued messages oldest first, dropping expired ones.
// Messages that fail to send go back on the queue in order.
func (m *Manager) flushLocked() {
	msgs, stale := m.queue.DrainFresh(m.cfg.QueueTTL)
	if stale > 0 {
		m.logger.Info("dropped expired queued messages", "count", stale)
	}
	for i, msg := range msgs {
		if err := m.transport.Send(msg); err != nil {
			m.logger.Warn("flush interrupted", "error", err, "remaining", len(msgs)-i)
			for _, rest := range msgs[i:] {
				m.queue.PushEvict(rest)
			}
			return
		}
	}
	if len(msgs) > 0 {
		m.logger.Debug("flushed outbound queue", "count", len(msgs))
	}
}

// scheduleReconnectLocked enters the recoverable error state and schedules
// exactly one reconnect after the current backoff.
func (m *Manager) scheduleReconnectLocked(cause error) {
	m.stopTimerLocked()
	m.setStatusLocked(StatusError, cause)

	delay := m.backoff
	m.backoff = min(m.backoff*2, m.cfg.MaxBackoff)

	gen := m.gen
	m.timer = m.sched.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := gen != m.gen || m.destroyed || m.terminal
		m.mu.Unlock()
		if stale {
			return
		}
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Debug("reconnect failed", "error", err)
		}
	})
	m.logger.Info("reconnect scheduled", "delay", delay, "error", cause)
}

func (m *Manager) terminalLocked(cause error) {
	m.stopTimerLocked()
	m.terminal = true
	m.queue.Clear()
	m.setStatusLocked(StatusError, cause)
	m.logger.Warn("connection ended", "error", cause)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStatusLocked(s Status, err error) {
	m.status = s
	if err != nil {
		m.lastErr = err
	}
	if m.onStatus != nil {
		m.pending = append(m.pending, StatusChange{
			Status:   s,
			Err:      err,
			Terminal: s == StatusError && m.terminal,
		})
	}
}

// dispatch delivers queued status changes outside the lock so callbacks may
// call back into the manager.
func (m *Manager) dispatch() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	onStatus := m.onStatus
	m.mu.Unlock()

	if onStatus == nil {
		return
	}
	for _, change := range pending {
		onStatus(change)
	}
}
