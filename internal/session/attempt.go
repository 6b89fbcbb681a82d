package session

import (
	"context"
	"sync"
	"time"

	"github.com/rickgao/sprite-bridge/internal/link"
)

// Attempt is one in-flight recovery. Every caller that joins it observes the
// same result.
type Attempt struct {
	started time.Time
	cancel  context.CancelFunc

	once sync.Once
	done chan struct{}
	conn link.Conn
	err  error
}

func newAttempt(cancel context.CancelFunc) *Attempt {
	return &Attempt{
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// resolvedAttempt returns an attempt that has already finished.
func resolvedAttempt(conn link.Conn, err error) *Attempt {
	a := newAttempt(func() {})
	a.resolve(conn, err)
	return a
}

func (a *Attempt) resolve(conn link.Conn, err error) {
	a.once.Do(func() {
		a.conn = conn
		a.err = err
		close(a.done)
	})
}

// Done is closed when the attempt finishes.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt finishes or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (link.Conn, error) {
	select {
	case <-a.done:
		return a.conn, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Started returns when the attempt began.
func (a *Attempt) Started() time.Time {
	return a.started
}
