package session

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/sprite-bridge/internal/link"
)

var (
	// ErrReconnectExhausted resolves an attempt whose retries, restart and
	// second round of retries all failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNoTabs is returned when a link is requested for a user with no
	// open tabs.
	ErrNoTabs = errors.New("user has no open tabs")

	errLinkLost = errors.New("link lost before attach")
)

// Tab is one authenticated browser connection.
type Tab interface {
	ID() string
	UserID() string
	// Send queues data for the browser. It must not block.
	Send(data []byte) error
	Open() bool
}

// Backend wakes, connects and restarts a user's sprite.
type Backend interface {
	WaitReady(ctx context.Context, userID string) error
	Connect(ctx context.Context, userID string, h link.Handlers) (link.Conn, error)
	Restart(ctx context.Context, userID string) error
}

// Config holds session and recovery settings.
type Config struct {
	BufferCapacity int           // Messages held per user during recovery
	BufferTTL      time.Duration // Older buffered messages are dropped on replay
	MaxAttempts    int           // Link attempts per round
	RetryDelay     time.Duration // Grows linearly with the attempt number
	MaxRetryDelay  time.Duration

	// Now is the buffer clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BufferCapacity: 50,
		BufferTTL:      60 * time.Second,
		MaxAttempts:    5,
		RetryDelay:     time.Second,
		MaxRetryDelay:  5 * time.Second,
	}
}

// Stats is a snapshot of registry state.
type Stats struct {
	Tabs       int `json:"tabs"`
	Users      int `json:"users"`
	Links      int `json:"links"`
	Recovering int `json:"recovering"`
	Buffered   int `json:"buffered"`
}

// Outcome is what happened to a browser message handed to Submit.
type Outcome int

const (
	OutcomeForwarded Outcome = iota // Written to the live link
	OutcomeBuffered                 // Held until recovery completes
	OutcomeRejected                 // Buffer full
	OutcomeNotReady                 // Recovery failed; waiting for a new tab
	OutcomeNoSession                // User has no tabs
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeNoSession:
		return "no_session"
	default:
		return "unknown"
	}
}
