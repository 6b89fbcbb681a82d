package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/sprite-bridge/internal/link"
	"github.com/rickgao/sprite-bridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

func TestEnsure_ConcurrentCallersShareOneLink(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	reg, _ := newTestSession(testConfig(), backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))

	const callers = 20
	conns := make([]link.Conn, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = reg.Ensure(context.Background(), "alice")
		}(i)
	}

	// Let every caller join before the sprite becomes ready
	time.Sleep(20 * time.Millisecond)
	close(backend.ready)
	wg.Wait()

	connects, _ := backend.counts()
	assert.Equal(t, 1, connects, "exactly one connection sequence")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i])
	}
	assert.Equal(t, 1, reg.Stats().Links)

	// A later call returns the live link without dialing
	conn, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	assert.Same(t, conns[0], conn)
	connects, _ = backend.counts()
	assert.Equal(t, 1, connects)
}

func TestEnsure_NoTabs(t *testing.T) {
	reg, _ := newTestSession(testConfig(), &fakeBackend{})
	defer reg.Close()

	_, err := reg.Ensure(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoTabs)
}

func TestRecover_ConcurrentTriggersCoalesce(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))

	first, started := coord.Recover("alice")
	require.True(t, started)
	second, started := coord.Recover("alice")
	assert.False(t, started)
	assert.Same(t, first, second)
	assert.True(t, coord.InFlight("alice"))

	close(backend.ready)
	_, err := first.Wait(context.Background())
	require.NoError(t, err)

	connects, _ := backend.counts()
	assert.Equal(t, 1, connects)
	assert.False(t, coord.InFlight("alice"))

	// With a live link Recover resolves immediately and starts nothing
	third, started := coord.Recover("alice")
	assert.False(t, started)
	conn, err := third.Wait(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestBufferMessage_Capacity(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))

	assert.False(t, coord.BufferMessage("alice", mission("early")), "nothing in flight")

	coord.Recover("alice")
	for i := 0; i < 50; i++ {
		require.True(t, coord.BufferMessage("alice", mission("m")), "message %d", i+1)
	}
	assert.False(t, coord.BufferMessage("alice", mission("overflow")), "51st message")
	assert.Equal(t, 50, reg.Stats().Buffered)
}

func TestReplay_DropsExpiredKeepsOrder(t *testing.T) {
	clock := newClock()
	cfg := testConfig()
	cfg.Now = clock.Now

	backend := &fakeBackend{ready: make(chan struct{})}
	reg, coord := newTestSession(cfg, backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))
	attempt, _ := coord.Recover("alice")

	require.True(t, coord.BufferMessage("alice", mission("old")))
	clock.Advance(51 * time.Second)
	require.True(t, coord.BufferMessage("alice", mission("a")))
	require.True(t, coord.BufferMessage("alice", mission("b")))
	clock.Advance(10 * time.Second)

	close(backend.ready)
	_, err := attempt.Wait(context.Background())
	require.NoError(t, err)

	conn := backend.lastConn()
	require.NotNil(t, conn)
	assert.Equal(t, []string{string(mission("a")), string(mission("b"))}, conn.messages())
	assert.Equal(t, 0, reg.Stats().Buffered)
}

func TestRecover_RetriesThenReplaysAndAnnounces(t *testing.T) {
	backend := &fakeBackend{
		ready:       make(chan struct{}),
		connectErrs: []error{link.ErrClosedDuringInit, link.ErrClosedDuringInit},
	}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	tab1 := newTab("t1", "alice")
	tab2 := newTab("t2", "alice")
	reg.AddTab(tab1)
	reg.AddTab(tab2)

	attempt, started := coord.Recover("alice")
	require.True(t, started)
	assert.Equal(t, OutcomeBuffered, coord.Submit("alice", mission("queued")))

	close(backend.ready)
	_, err := attempt.Wait(context.Background())
	require.NoError(t, err)

	connects, restarts := backend.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, 0, restarts)
	assert.Equal(t, []string{string(mission("queued"))}, backend.lastConn().messages())

	for _, tab := range []*fakeTab{tab1, tab2} {
		require.Eventually(t, func() bool { return tab.hasEvent(protocol.EventSpriteReady) }, waitFor, tick)
		events := tab.events()
		assert.Equal(t, protocol.EventSpriteWaking, events[0])
		assert.Equal(t, protocol.EventSpriteReady, events[len(events)-1])
	}
}

func TestRecover_ExhaustedAfterRestart(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	backend := &fakeBackend{failAll: link.ErrHandshakeTimeout}
	reg, coord := newTestSession(cfg, backend)
	defer reg.Close()

	tab1 := newTab("t1", "alice")
	tab2 := newTab("t2", "alice")
	reg.AddTab(tab1)
	reg.AddTab(tab2)

	attempt, _ := coord.Recover("alice")
	_, err := attempt.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReconnectExhausted)

	connects, restarts := backend.counts()
	assert.Equal(t, 6, connects, "two full rounds")
	assert.Equal(t, 1, restarts)

	for _, tab := range []*fakeTab{tab1, tab2} {
		assert.True(t, tab.hasEvent(protocol.EventReconnectFailed))
	}

	// No automatic retry
	time.Sleep(30 * time.Millisecond)
	connects, _ = backend.counts()
	assert.Equal(t, 6, connects)
	assert.False(t, coord.InFlight("alice"))
	assert.Equal(t, OutcomeNotReady, coord.Submit("alice", mission("late")))
}

func TestRecover_UnauthorizedEndsRoundEarly(t *testing.T) {
	backend := &fakeBackend{failAll: link.ErrUnauthorized}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))

	attempt, _ := coord.Recover("alice")
	_, err := attempt.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.ErrorContains(t, err, link.ErrUnauthorized.Error())

	connects, restarts := backend.counts()
	assert.Equal(t, 2, connects, "one attempt per round")
	assert.Equal(t, 1, restarts)
}

func TestRegistry_TabsShareLinkUntilLastLeaves(t *testing.T) {
	backend := &fakeBackend{}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	tab1 := newTab("t1", "alice")
	tab2 := newTab("t2", "alice")
	assert.Equal(t, 1, reg.AddTab(tab1))
	assert.Equal(t, 2, reg.AddTab(tab2))

	conn, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	again, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	assert.Same(t, conn, again)

	assert.Equal(t, Stats{Tabs: 2, Users: 1, Links: 1}, reg.Stats())

	assert.Equal(t, 1, reg.RemoveTab(tab1))
	assert.Equal(t, link.StateConnected, conn.State())
	assert.Same(t, conn, reg.Link("alice"))

	assert.Equal(t, 0, reg.RemoveTab(tab2))
	assert.Equal(t, link.StateClosed, conn.State())
	assert.Nil(t, reg.Link("alice"))
	assert.False(t, reg.HasTabs("alice"))
	assert.False(t, coord.InFlight("alice"))
	assert.Equal(t, Stats{}, reg.Stats())
}

func TestRegistry_RemoveLastTabCancelsRecovery(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	tab := newTab("t1", "alice")
	reg.AddTab(tab)

	attempt, _ := coord.Recover("alice")
	require.True(t, coord.BufferMessage("alice", mission("m")))

	reg.RemoveTab(tab)

	_, err := attempt.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, coord.InFlight("alice"))

	connects, _ := backend.counts()
	assert.Equal(t, 0, connects)
}

func TestCoordinator_Cancel(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))
	attempt, _ := coord.Recover("alice")
	require.True(t, coord.BufferMessage("alice", mission("m")))

	coord.Cancel("alice")

	_, err := attempt.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, coord.InFlight("alice"))
	assert.Equal(t, 0, reg.Stats().Buffered)
}

func TestLinkClose_TriggersRecovery(t *testing.T) {
	backend := &fakeBackend{}
	reg, _ := newTestSession(testConfig(), backend)
	defer reg.Close()

	tab := newTab("t1", "alice")
	reg.AddTab(tab)

	_, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	first := backend.lastConn()

	first.drop()

	require.Eventually(t, func() bool {
		connects, _ := backend.counts()
		return connects == 2 && reg.Link("alice") != nil
	}, waitFor, tick)
	assert.NotSame(t, first, backend.lastConn())
	require.Eventually(t, func() bool {
		events := tab.events()
		return len(events) >= 4 && events[len(events)-1] == protocol.EventSpriteReady
	}, waitFor, tick)
}

func TestLinkClose_AfterLastTabIgnored(t *testing.T) {
	backend := &fakeBackend{}
	reg, _ := newTestSession(testConfig(), backend)
	defer reg.Close()

	tab := newTab("t1", "alice")
	reg.AddTab(tab)
	_, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	conn := backend.lastConn()

	reg.RemoveTab(tab)
	conn.drop()

	time.Sleep(20 * time.Millisecond)
	connects, _ := backend.counts()
	assert.Equal(t, 1, connects)
}

func TestSubmit(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	cfg := testConfig()
	cfg.BufferCapacity = 2
	reg, coord := newTestSession(cfg, backend)
	defer reg.Close()

	assert.Equal(t, OutcomeNoSession, coord.Submit("alice", mission("x")))

	reg.AddTab(newTab("t1", "alice"))

	// No link: the first message starts a recovery and is buffered
	assert.Equal(t, OutcomeBuffered, coord.Submit("alice", mission("1")))
	assert.True(t, coord.InFlight("alice"))
	assert.Equal(t, OutcomeBuffered, coord.Submit("alice", mission("2")))
	assert.Equal(t, OutcomeRejected, coord.Submit("alice", mission("3")))

	close(backend.ready)
	require.Eventually(t, func() bool { return reg.Link("alice") != nil }, waitFor, tick)

	assert.Equal(t, OutcomeForwarded, coord.Submit("alice", mission("4")))
	assert.Equal(t, []string{
		string(mission("1")),
		string(mission("2")),
		string(mission("4")),
	}, backend.lastConn().messages())
}

func TestSubmit_DeadLinkBuffersAndRecovers(t *testing.T) {
	backend := &fakeBackend{}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))
	_, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)

	first := backend.lastConn()
	first.refuse.Store(true)

	outcome := coord.Submit("alice", mission("retry-me"))
	assert.Equal(t, OutcomeBuffered, outcome)

	require.Eventually(t, func() bool {
		c := backend.lastConn()
		return c != first && len(c.messages()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{string(mission("retry-me"))}, backend.lastConn().messages())
}

func TestSubmit_SlowLinkDoesNotStallOtherUsers(t *testing.T) {
	backend := &fakeBackend{}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	aliceTab, aliceTab2 := newTab("a1", "alice"), newTab("a2", "alice")
	reg.AddTab(aliceTab)
	reg.AddTab(aliceTab2)
	_, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	aliceConn := backend.lastConn()

	reg.AddTab(newTab("b1", "bob"))
	_, err = reg.Ensure(context.Background(), "bob")
	require.NoError(t, err)
	bobConn := backend.lastConn()
	require.NotSame(t, aliceConn, bobConn)

	busy, release := aliceConn.stall()
	defer release()

	aliceDone := make(chan Outcome, 1)
	go func() { aliceDone <- coord.Submit("alice", mission("slow")) }()
	select {
	case <-busy:
	case <-time.After(waitFor):
		t.Fatal("alice's write never started")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, 1, reg.RemoveTab(aliceTab2))
		assert.Equal(t, OutcomeForwarded, coord.Submit("bob", mission("fast")))
		assert.Equal(t, 2, reg.Stats().Users)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("other users blocked behind a slow sprite write")
	}
	assert.Equal(t, []string{string(mission("fast"))}, bobConn.messages())

	release()
	assert.Equal(t, OutcomeForwarded, <-aliceDone)
	assert.Equal(t, []string{string(mission("slow"))}, aliceConn.messages())
}

func TestGreet(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	first := newTab("t1", "alice")
	reg.AddTab(first)
	coord.Greet(first)

	require.Eventually(t, func() bool { return first.hasEvent(protocol.EventSpriteWaking) }, waitFor, tick)
	assert.True(t, coord.InFlight("alice"))

	// Joining mid-recovery is told the sprite is waking
	second := newTab("t2", "alice")
	reg.AddTab(second)
	coord.Greet(second)
	assert.Equal(t, []protocol.SystemEvent{protocol.EventSpriteWaking}, second.events())

	close(backend.ready)
	require.Eventually(t, func() bool { return second.hasEvent(protocol.EventSpriteReady) }, waitFor, tick)

	// Joining a live session is told it is ready
	third := newTab("t3", "alice")
	reg.AddTab(third)
	coord.Greet(third)
	assert.Equal(t, []protocol.SystemEvent{protocol.EventSpriteReady}, third.events())

	connects, _ := backend.counts()
	assert.Equal(t, 1, connects)
}

func TestGreet_AfterExhaustionStartsFresh(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	backend := &fakeBackend{failAll: errors.New("refused")}
	reg, coord := newTestSession(cfg, backend)
	defer reg.Close()

	tab := newTab("t1", "alice")
	reg.AddTab(tab)
	attempt, _ := coord.Recover("alice")
	_, err := attempt.Wait(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)

	backend.mu.Lock()
	backend.failAll = nil
	backend.mu.Unlock()

	reload := newTab("t2", "alice")
	reg.AddTab(reload)
	coord.Greet(reload)

	require.Eventually(t, func() bool { return reg.Link("alice") != nil }, waitFor, tick)
}

func TestBroadcast_SkipsClosedAndFailingTabs(t *testing.T) {
	reg, _ := newTestSession(testConfig(), &fakeBackend{})
	defer reg.Close()

	open := newTab("t1", "alice")
	closed := newTab("t2", "alice")
	closed.closed.Store(true)
	failing := newTab("t3", "alice")
	failing.fail.Store(true)
	other := newTab("t4", "bob")

	for _, tab := range []*fakeTab{open, closed, failing, other} {
		reg.AddTab(tab)
	}

	sent := reg.Broadcast("alice", []byte(`{"type":"agent_event"}`))
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, open.count())
	assert.Equal(t, 0, closed.count())
	assert.Equal(t, 0, other.count())
}

func TestBackendLines_ReachHandler(t *testing.T) {
	reg, _ := newTestSession(testConfig(), &fakeBackend{})
	defer reg.Close()

	tab := newTab("t1", "alice")
	reg.AddTab(tab)

	// Without a handler lines go straight to the tabs
	_, err := reg.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	conn := reg.Link("alice").(*fakeConn)
	before := tab.count()
	conn.receive(`{"type":"agent_event","id":"1"}`)
	assert.Equal(t, before+1, tab.count())

	got := make(chan string, 1)
	reg.SetBackendHandler(func(userID string, line []byte) {
		got <- userID + ":" + string(line)
	})
	conn.receive(`{"type":"canvas_update","id":"2"}`)
	assert.Equal(t, `alice:{"type":"canvas_update","id":"2"}`, <-got)
}

func TestRegistry_CloseWhileCoordinatorAttaches(t *testing.T) {
	reg := NewRegistry(testConfig(), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		NewCoordinator(reg, &fakeBackend{}, nil)
	}()
	reg.Close()
	wg.Wait()

	// Closing again sees the attached coordinator and must not hang
	done := make(chan struct{})
	go func() {
		reg.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
}

func TestRegistry_Reset(t *testing.T) {
	backend := &fakeBackend{ready: make(chan struct{})}
	reg, coord := newTestSession(testConfig(), backend)
	defer reg.Close()

	reg.AddTab(newTab("t1", "alice"))
	reg.AddTab(newTab("t2", "bob"))
	attempt, _ := coord.Recover("alice")

	reg.Reset()

	_, err := attempt.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stats{}, reg.Stats())
}

func TestRetryDelay(t *testing.T) {
	_, coord := newTestSession(Config{
		BufferCapacity: 1,
		MaxAttempts:    5,
		RetryDelay:     time.Second,
		MaxRetryDelay:  3 * time.Second,
	}, &fakeBackend{})

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{4, 3 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coord.retryDelay(tt.n), "retryDelay(%d)", tt.n)
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "forwarded", OutcomeForwarded.String())
	assert.Equal(t, "buffered", OutcomeBuffered.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "not_ready", OutcomeNotReady.String())
	assert.Equal(t, "no_session", OutcomeNoSession.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
