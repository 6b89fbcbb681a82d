package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/sprite-bridge/internal/buffer"
	"github.com/rickgao/sprite-bridge/internal/link"
	"github.com/rickgao/sprite-bridge/internal/metrics"
)

// userSession is the state shared by all tabs of one user.
type userSession struct {
	id string

	// sendMu orders link writes and buffer pushes. It is taken before mu
	// and never while holding it, so a slow sprite write only stalls this
	// user's senders.
	sendMu sync.Mutex

	mu      sync.Mutex
	tabs    map[string]Tab
	conn    link.Conn
	attempt *Attempt
	failed  bool // last recovery exhausted; cleared by a new tab
	buf     *buffer.Ring[[]byte]

	closed atomic.Bool // set when the last tab leaves
}

// liveConn returns the link if it is connected. Caller holds us.mu.
func (us *userSession) liveConn() link.Conn {
	if us.conn != nil && us.conn.State() == link.StateConnected {
		return us.conn
	}
	return nil
}

// cancelLocked stops any in-flight recovery and drops buffered messages.
// Caller holds us.mu.
func (us *userSession) cancelLocked() {
	if us.attempt != nil {
		us.attempt.cancel()
		us.attempt = nil
	}
	us.buf.Clear()
}

func (us *userSession) openTabs() []Tab {
	us.mu.Lock()
	defer us.mu.Unlock()

	tabs := make([]Tab, 0, len(us.tabs))
	for _, t := range us.tabs {
		if t.Open() {
			tabs = append(tabs, t)
		}
	}
	return tabs
}

// Registry tracks tabs and links per user.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userSession
	coord *Coordinator

	onBackend atomic.Pointer[func(userID string, line []byte)]
}

// NewRegistry creates an empty registry. Recovery is unavailable until a
// Coordinator is created for it.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferCapacity < 1 {
		cfg.BufferCapacity = DefaultConfig().BufferCapacity
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		users:  make(map[string]*userSession),
	}
}

// SetBackendHandler sets the function that receives every line a sprite
// sends. Without one, lines are broadcast to the user's tabs unchanged.
func (r *Registry) SetBackendHandler(fn func(userID string, line []byte)) {
	r.onBackend.Store(&fn)
}

// AddTab registers an authenticated tab and returns the user's tab count.
func (r *Registry) AddTab(tab Tab) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	us := r.users[tab.UserID()]
	if us == nil {
		us = &userSession{
			id:   tab.UserID(),
			tabs: make(map[string]Tab),
			buf:  buffer.NewRing[[]byte](r.cfg.BufferCapacity, r.cfg.Now),
		}
		r.users[us.id] = us
	}

	us.mu.Lock()
	us.tabs[tab.ID()] = tab
	n := len(us.tabs)
	us.mu.Unlock()

	r.logger.Debug("tab added", "user", us.id, "tab", tab.ID(), "tabs", n)
	return n
}

// RemoveTab unregisters a tab and returns the user's remaining tab count.
// Removing the last tab closes the link, cancels recovery and drops the
// buffer.
func (r *Registry) RemoveTab(tab Tab) int {
	r.mu.Lock()
	us := r.users[tab.UserID()]
	if us == nil {
		r.mu.Unlock()
		return 0
	}

	// us.mu is never held across link I/O, so this wait is short.
	us.mu.Lock()
	delete(us.tabs, tab.ID())
	remaining := len(us.tabs)
	if remaining == 0 {
		us.closed.Store(true)
		delete(r.users, us.id)
	}
	r.mu.Unlock()

	var conn link.Conn
	if remaining == 0 {
		conn = us.conn
		us.conn = nil
		us.cancelLocked()
	}
	us.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if remaining == 0 {
		r.logger.Info("last tab closed, session torn down", "user", us.id)
	} else {
		r.logger.Debug("tab removed", "user", us.id, "tab", tab.ID(), "tabs", remaining)
	}
	return remaining
}

// Ensure returns the user's live link, joining or starting a recovery when
// there is none. Concurrent callers share one attempt.
func (r *Registry) Ensure(ctx context.Context, userID string) (link.Conn, error) {
	us := r.session(userID)
	if us == nil {
		return nil, ErrNoTabs
	}

	us.mu.Lock()
	if conn := us.liveConn(); conn != nil {
		us.mu.Unlock()
		return conn, nil
	}
	if len(us.tabs) == 0 || us.closed.Load() {
		us.mu.Unlock()
		return nil, ErrNoTabs
	}
	a := us.attempt
	if a == nil {
		if r.coord == nil {
			us.mu.Unlock()
			return nil, errors.New("session: registry has no coordinator")
		}
		a = r.coord.startLocked(us)
	}
	us.mu.Unlock()

	return a.Wait(ctx)
}

// Broadcast sends data to every open tab of the user and returns how many
// accepted it. A failing tab is logged and skipped.
func (r *Registry) Broadcast(userID string, data []byte) int {
	us := r.session(userID)
	if us == nil {
		return 0
	}

	sent := 0
	for _, t := range us.openTabs() {
		if err := t.Send(data); err != nil {
			r.logger.Warn("tab send failed", "user", userID, "tab", t.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Link returns the user's live link, or nil.
func (r *Registry) Link(userID string) link.Conn {
	us := r.session(userID)
	if us == nil {
		return nil
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.liveConn()
}

// HasTabs reports whether the user has any registered tab.
func (r *Registry) HasTabs(userID string) bool {
	us := r.session(userID)
	if us == nil {
		return false
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.tabs) > 0
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	s.Users = len(r.users)
	for _, us := range r.users {
		us.mu.Lock()
		s.Tabs += len(us.tabs)
		if us.liveConn() != nil {
			s.Links++
		}
		if us.attempt != nil {
			s.Recovering++
		}
		s.Buffered += us.buf.Len()
		us.mu.Unlock()
	}
	return s
}

// Counts implements metrics.CountsSource.
func (r *Registry) Counts() metrics.Counts {
	s := r.Stats()
	return metrics.Counts{Tabs: s.Tabs, Users: s.Users, Links: s.Links}
}

// Reset drops every session, closing links and cancelling recoveries. Tabs
// are forgotten but not closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	users := r.users
	r.users = make(map[string]*userSession)
	r.mu.Unlock()

	for _, us := range users {
		us.mu.Lock()
		us.closed.Store(true)
		conn := us.conn
		us.conn = nil
		us.cancelLocked()
		us.tabs = make(map[string]Tab)
		us.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	}
}

// Close resets the registry and waits for recoveries to exit.
func (r *Registry) Close() {
	r.Reset()

	r.mu.Lock()
	coord := r.coord
	r.mu.Unlock()

	if coord != nil {
		coord.cancel()
		coord.wait()
	}
	r.logger.Info("session registry closed")
}

func (r *Registry) session(userID string) *userSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}

// deliverBackend hands one sprite line to the backend handler.
func (r *Registry) deliverBackend(userID string, line []byte) {
	if fn := r.onBackend.Load(); fn != nil && *fn != nil {
		(*fn)(userID, line)
		return
	}
	r.Broadcast(userID, line)
}

// linkClosed handles a remote close of conn. Stale links are ignored.
func (r *Registry) linkClosed(us *userSession, conn link.Conn, cause error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	if us.conn != conn {
		return
	}
	us.conn = nil

	if len(us.tabs) == 0 || us.closed.Load() {
		return
	}

	r.logger.Warn("sprite link lost", "user", us.id, "error", cause)
	if us.attempt == nil && r.coord != nil {
		r.coord.startLocked(us)
	}
}
