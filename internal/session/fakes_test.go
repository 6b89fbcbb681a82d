package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/sprite-bridge/internal/link"
	"github.com/rickgao/sprite-bridge/internal/protocol"
)

// fakeTab records everything sent to it.
type fakeTab struct {
	id     string
	userID string
	closed atomic.Bool
	fail   atomic.Bool

	mu   sync.Mutex
	msgs [][]byte
}

func newTab(id, userID string) *fakeTab {
	return &fakeTab{id: id, userID: userID}
}

func (t *fakeTab) ID() string     { return t.id }
func (t *fakeTab) UserID() string { return t.userID }
func (t *fakeTab) Open() bool     { return !t.closed.Load() }

func (t *fakeTab) Send(data []byte) error {
	if t.fail.Load() {
		return errSendFailed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, append([]byte(nil), data...))
	return nil
}

// events returns the system events received, in order.
func (t *fakeTab) events() []protocol.SystemEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []protocol.SystemEvent
	for _, m := range t.msgs {
		env, err := protocol.Parse(m)
		if err != nil {
			continue
		}
		if p, ok := protocol.SystemEventOf(env); ok {
			out = append(out, p.Event)
		}
	}
	return out
}

func (t *fakeTab) hasEvent(e protocol.SystemEvent) bool {
	for _, got := range t.events() {
		if got == e {
			return true
		}
	}
	return false
}

func (t *fakeTab) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

type sendError string

func (e sendError) Error() string { return string(e) }

const errSendFailed = sendError("tab gone")

// fakeConn is an in-memory link.
type fakeConn struct {
	handlers link.Handlers
	state    atomic.Int32
	refuse   atomic.Bool

	mu   sync.Mutex
	sent []string
	gate chan struct{} // when set, Send waits for it to close
	busy chan struct{} // signalled when a gated Send starts waiting
}

func newConn(h link.Handlers) *fakeConn {
	c := &fakeConn{handlers: h}
	c.state.Store(int32(link.StateConnected))
	return c
}

func (c *fakeConn) Send(data []byte) bool {
	if c.State() != link.StateConnected || c.refuse.Load() {
		return false
	}
	c.mu.Lock()
	gate, busy := c.gate, c.busy
	c.mu.Unlock()
	if gate != nil {
		busy <- struct{}{}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(data))
	return true
}

// stall makes the next writes hang until release is called, like a sprite
// that stopped reading.
func (c *fakeConn) stall() (busy <-chan struct{}, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.busy = make(chan struct{}, 1)
	gate := c.gate
	var once sync.Once
	return c.busy, func() { once.Do(func() { close(gate) }) }
}

func (c *fakeConn) Close() error {
	c.state.Store(int32(link.StateClosed))
	return nil
}

func (c *fakeConn) State() link.State {
	return link.State(c.state.Load())
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// drop simulates the sprite going away.
func (c *fakeConn) drop() {
	c.state.Store(int32(link.StateClosed))
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(link.ErrStaleConnection)
	}
}

// receive simulates a line from the sprite.
func (c *fakeConn) receive(line string) {
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage([]byte(line))
	}
}

// fakeBackend scripts connect results and counts calls.
type fakeBackend struct {
	// ready, when set, blocks WaitReady until closed.
	ready chan struct{}

	mu          sync.Mutex
	connectErrs []error // consumed in order; nil entries succeed
	failAll     error   // when set every connect fails with it
	conns       []*fakeConn
	connects    int
	restarts    int
	waits       int
}

func (b *fakeBackend) WaitReady(ctx context.Context, userID string) error {
	b.mu.Lock()
	b.waits++
	ready := b.ready
	b.mu.Unlock()

	if ready == nil {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) Connect(ctx context.Context, userID string, h link.Handlers) (link.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connects++
	if b.failAll != nil {
		return nil, b.failAll
	}
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newConn(h)
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBackend) Restart(ctx context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restarts++
	return nil
}

func (b *fakeBackend) counts() (connects, restarts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects, b.restarts
}

func (b *fakeBackend) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// fakeClock drives buffer ages.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		BufferCapacity: 50,
		BufferTTL:      60 * time.Second,
		MaxAttempts:    5,
		RetryDelay:     time.Millisecond,
		MaxRetryDelay:  3 * time.Millisecond,
	}
}

func newTestSession(cfg Config, backend Backend) (*Registry, *Coordinator) {
	reg := NewRegistry(cfg, nil)
	coord := NewCoordinator(reg, backend, nil)
	return reg, coord
}

func mission(id string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":      "mission",
		"id":        id,
		"timestamp": 1,
		"payload":   map[string]string{"content": id},
	})
	return data
}
