package client

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	// ErrTerminal wraps every error that ends the session without a
	// reconnect.
	ErrTerminal   = errors.New("terminal connection error")
	ErrEmptyToken = errors.New("token source returned an empty token")
	ErrDestroyed  = errors.New("manager destroyed")
	errSuperseded = errors.New("connection attempt superseded")
)

// Status is the client-visible session state.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusSpriteWaking   Status = "sprite_waking"
	StatusConnected      Status = "connected"
	StatusError          Status = "error"
)

// StatusChange is delivered to the status callback on every transition.
type StatusChange struct {
	Status   Status
	Err      error // Set for StatusError
	Terminal bool  // No reconnect will follow
}

// SendResult is what Send did with a message.
type SendResult int

const (
	Sent SendResult = iota
	Queued
	Dropped
)

// String returns the result name.
func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// TokenSource fetches the credential sent in the auth frame. It may block.
type TokenSource func(ctx context.Context) (string, error)

// Transport is one open connection to the gateway.
type Transport interface {
	Send(data []byte) error
	// Read blocks for the next frame. A close frame from the gateway is
	// returned as a *websocket.CloseError.
	Read() ([]byte, error)
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Tests replace it to drive backoff by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config configures a Manager.
type Config struct {
	URL           string        // Gateway WebSocket URL, e.g. wss://bridge.example.com/ws
	QueueCapacity int           // Outbound messages held while not connected
	QueueTTL      time.Duration // Older queued messages are dropped on flush
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 100,
		QueueTTL:      60 * time.Second,
		MinBackoff:    time.Second,
		MaxBackoff:    30 * time.Second,
	}
}
