package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/sprite-bridge/internal/directory"
	"github.com/rickgao/sprite-bridge/internal/link"
	"github.com/rickgao/sprite-bridge/internal/metrics"
	"github.com/rickgao/sprite-bridge/internal/protocol"
)

const (
	msgWaking = "Waking your sprite"
	msgReady  = "Sprite connected"
	msgFailed = "Could not reach your sprite. Reload the page to try again."
)

var (
	frameWaking = protocol.MustEncode(protocol.System(protocol.EventSpriteWaking, msgWaking))
	frameReady  = protocol.MustEncode(protocol.System(protocol.EventSpriteReady, msgReady))
)

// Coordinator recovers sprite links for a Registry.
type Coordinator struct {
	reg     *Registry
	backend Backend
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates the coordinator for reg and attaches it.
func NewCoordinator(reg *Registry, backend Backend, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := reg.cfg
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = def.BufferTTL
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		reg:     reg,
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	reg.mu.Lock()
	reg.coord = c
	reg.mu.Unlock()

	return c
}

// Recover starts a recovery for the user, or returns the one already in
// flight. The bool reports whether this call started it. A user with a live
// link gets an already resolved attempt.
func (c *Coordinator) Recover(userID string) (*Attempt, bool) {
	us := c.reg.session(userID)
	if us == nil {
		return resolvedAttempt(nil, ErrNoTabs), false
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	if us.attempt != nil {
		return us.attempt, false
	}
	if conn := us.liveConn(); conn != nil {
		return resolvedAttempt(conn, nil), false
	}
	if len(us.tabs) == 0 || us.closed.Load() {
		return resolvedAttempt(nil, ErrNoTabs), false
	}
	return c.startLocked(us), true
}

// Greet tells a newly added tab where its session stands: ready if the link
// is live, waking if a recovery is running. Otherwise it starts one, whose
// first broadcast reaches the tab.
func (c *Coordinator) Greet(tab Tab) {
	us := c.reg.session(tab.UserID())
	if us == nil {
		return
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	switch {
	case us.liveConn() != nil:
		tab.Send(frameReady)
	case us.attempt != nil:
		tab.Send(frameWaking)
	case len(us.tabs) > 0 && !us.closed.Load():
		c.startLocked(us)
	}
}

// BufferMessage holds payload until the in-flight recovery completes. It
// returns false when nothing is in flight or the buffer is full.
func (c *Coordinator) BufferMessage(userID string, payload []byte) bool {
	us := c.reg.session(userID)
	if us == nil {
		return false
	}

	us.sendMu.Lock()
	defer us.sendMu.Unlock()
	us.mu.Lock()
	defer us.mu.Unlock()

	if us.attempt == nil {
		return false
	}
	return c.pushLocked(us, payload)
}

// Submit delivers a browser message: written to the live link, otherwise
// buffered behind a recovery, starting one if needed.
func (c *Coordinator) Submit(userID string, payload []byte) Outcome {
	us := c.reg.session(userID)
	if us == nil {
		return OutcomeNoSession
	}

	us.sendMu.Lock()
	defer us.sendMu.Unlock()

	us.mu.Lock()
	conn := us.conn
	us.mu.Unlock()

	if conn != nil {
		if conn.State() == link.StateConnected && conn.Send(payload) {
			return OutcomeForwarded
		}
		us.mu.Lock()
		if us.conn == conn {
			us.conn = nil
		}
		us.mu.Unlock()
		conn.Close()
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	if us.attempt == nil {
		if us.failed {
			return OutcomeNotReady
		}
		if len(us.tabs) == 0 || us.closed.Load() {
			return OutcomeNoSession
		}
		c.startLocked(us)
	}

	if !c.pushLocked(us, payload) {
		return OutcomeRejected
	}
	return OutcomeBuffered
}

// Cancel stops the user's in-flight recovery and drops the buffer.
func (c *Coordinator) Cancel(userID string) {
	us := c.reg.session(userID)
	if us == nil {
		return
	}
	us.mu.Lock()
	us.cancelLocked()
	us.mu.Unlock()
}

// InFlight reports whether a recovery is running for the user.
func (c *Coordinator) InFlight(userID string) bool {
	us := c.reg.session(userID)
	if us == nil {
		return false
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.attempt != nil
}

// Reset cancels every in-flight recovery.
func (c *Coordinator) Reset() {
	c.reg.mu.Lock()
	users := make([]*userSession, 0, len(c.reg.users))
	for _, us := range c.reg.users {
		users = append(users, us)
	}
	c.reg.mu.Unlock()

	for _, us := range users {
		us.mu.Lock()
		us.cancelLocked()
		us.failed = false
		us.mu.Unlock()
	}
}

// wait blocks until every recovery goroutine has returned.
func (c *Coordinator) wait() {
	c.wg.Wait()
}

func (c *Coordinator) pushLocked(us *userSession, payload []byte) bool {
	if !us.buf.Push(payload) {
		metrics.BufferedTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("recovery buffer full, message rejected", "user", us.id, "capacity", us.buf.Cap())
		return false
	}
	metrics.BufferedTotal.WithLabelValues("buffered").Inc()
	return true
}

// startLocked launches a recovery. Caller holds us.mu.
func (c *Coordinator) startLocked(us *userSession) *Attempt {
	ctx, cancel := context.WithCancel(c.ctx)
	a := newAttempt(cancel)
	us.attempt = a
	us.failed = false

	c.wg.Add(1)
	go c.run(ctx, us, a)
	return a
}

// run drives one attempt to connected, exhausted or cancelled.
func (c *Coordinator) run(ctx context.Context, us *userSession, a *Attempt) {
	defer c.wg.Done()
	defer a.cancel()

	timer := metrics.NewTimer()
	logger := c.logger.With("user", us.id)
	logger.Info("recovering sprite link")

	c.reg.Broadcast(us.id, frameWaking)

	conn, err := c.round(ctx, us, a, logger)
	if err != nil && ctx.Err() == nil && !errors.Is(err, directory.ErrUserNotFound) {
		logger.Warn("link attempts failed, restarting sprite", "error", err)
		metrics.RestartsTotal.Inc()
		if rerr := c.backend.Restart(ctx, us.id); rerr != nil && ctx.Err() == nil {
			logger.Error("sprite restart failed", "error", rerr)
		}
		conn, err = c.round(ctx, us, a, logger)
	}

	timer.ObserveDuration(metrics.RecoveryDuration)

	switch {
	case err == nil:
		metrics.RecoveriesTotal.WithLabelValues("connected").Inc()
		logger.Info("sprite link recovered", "duration", timer.Duration())
		c.reg.Broadcast(us.id, frameReady)
		a.resolve(conn, nil)

	case ctx.Err() != nil:
		metrics.RecoveriesTotal.WithLabelValues("cancelled").Inc()
		logger.Debug("recovery cancelled")
		a.resolve(nil, ctx.Err())

	default:
		metrics.RecoveriesTotal.WithLabelValues("exhausted").Inc()
		c.exhaust(us, a, err, logger)
	}
}

// round waits for the sprite and then tries up to MaxAttempts links.
func (c *Coordinator) round(ctx context.Context, us *userSession, a *Attempt, logger *slog.Logger) (link.Conn, error) {
	if err := c.backend.WaitReady(ctx, us.id); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, directory.ErrUserNotFound) {
			return nil, err
		}
		logger.Warn("sprite not ready, connecting anyway", "error", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.retryDelay(attempt-1)); err != nil {
				return nil, err
			}
		}

		conn, err := c.dial(ctx, us)
		if err == nil {
			err = c.attach(ctx, us, a, conn)
			if err == nil {
				return conn, nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		logger.Warn("link attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"error", err,
		)

		if errors.Is(err, link.ErrUnauthorized) || errors.Is(err, directory.ErrUserNotFound) {
			break
		}
	}

	return nil, lastErr
}

// connHolder lets handlers created before the dial refer to its result.
type connHolder struct {
	mu   sync.Mutex
	conn link.Conn
}

func (h *connHolder) set(conn link.Conn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
}

func (h *connHolder) get() link.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (c *Coordinator) dial(ctx context.Context, us *userSession) (link.Conn, error) {
	holder := &connHolder{}
	handlers := link.Handlers{
		OnMessage: func(line []byte) {
			c.reg.deliverBackend(us.id, line)
		},
		OnClose: func(err error) {
			// A close before set is caught by attach's state check
			if conn := holder.get(); conn != nil {
				go c.reg.linkClosed(us, conn, err)
			}
		},
	}

	conn, err := c.backend.Connect(ctx, us.id, handlers)
	if err != nil {
		metrics.LinkDialsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.LinkDialsTotal.WithLabelValues("ok").Inc()
	holder.set(conn)
	return conn, nil
}

// attach replays the buffer through conn and installs it as the user's
// link. sendMu is held throughout so no message overtakes the buffer.
func (c *Coordinator) attach(ctx context.Context, us *userSession, a *Attempt, conn link.Conn) error {
	us.sendMu.Lock()
	defer us.sendMu.Unlock()

	if err := c.replay(ctx, us, conn); err != nil {
		conn.Close()
		return err
	}

	us.mu.Lock()
	if us.attempt != a || ctx.Err() != nil {
		us.mu.Unlock()
		conn.Close()
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	if conn.State() != link.StateConnected {
		us.mu.Unlock()
		conn.Close()
		return errLinkLost
	}

	us.conn = conn
	us.attempt = nil
	us.failed = false
	us.mu.Unlock()
	return nil
}

// replay drains fresh buffered messages into conn. Caller holds us.sendMu.
func (c *Coordinator) replay(ctx context.Context, us *userSession, conn link.Conn) error {
	msgs, stale := us.buf.DrainFresh(c.cfg.BufferTTL)
	if stale > 0 {
		metrics.BufferedTotal.WithLabelValues("expired").Add(float64(stale))
		c.logger.Info("dropped expired buffered messages", "user", us.id, "count", stale)
	}

	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !conn.Send(msg) {
			c.logger.Warn("link lost during replay",
				"user", us.id,
				"dropped", len(msgs)-i,
			)
			return fmt.Errorf("%w: replayed %d of %d", errLinkLost, i, len(msgs))
		}
	}
	if len(msgs) > 0 {
		metrics.BufferedTotal.WithLabelValues("replayed").Add(float64(len(msgs)))
		c.logger.Debug("replayed buffered messages", "user", us.id, "count", len(msgs))
	}
	return nil
}

// exhaust marks the session failed and tells every tab.
func (c *Coordinator) exhaust(us *userSession, a *Attempt, cause error, logger *slog.Logger) {
	us.mu.Lock()
	if us.attempt == a {
		us.attempt = nil
		us.failed = true
		us.buf.Clear()
	}
	us.mu.Unlock()

	logger.Error("sprite recovery exhausted", "error", cause)

	msg := protocol.MustEncode(protocol.System(protocol.EventReconnectFailed, msgFailed))
	c.reg.Broadcast(us.id, msg)
	a.resolve(nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, cause))
}

// retryDelay grows linearly with n and is capped.
func (c *Coordinator) retryDelay(n int) time.Duration {
	d := c.cfg.RetryDelay * time.Duration(n)
	if d > c.cfg.MaxRetryDelay {
		d = c.cfg.MaxRetryDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
