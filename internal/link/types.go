package link

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("link not connected")
	// ErrClosedDuringInit means the sprite accepted the socket but closed it
	// before acknowledging the descriptor. This usually means the process
	// inside the sprite is not listening yet and the dial should be retried.
	ErrClosedDuringInit  = errors.New("closed during init")
	ErrHandshakeTimeout  = errors.New("handshake ack timeout")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrUnauthorized      = errors.New("sprite proxy rejected credentials")
	ErrStaleConnection   = errors.New("link stale (no pong)")
)

// State is the lifecycle state of a link.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Target is the in-sprite address the proxy should connect to.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ack is the single frame the proxy sends once the target is reachable.
type ack struct {
	Status string `json:"status"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Config configures a link.
type Config struct {
	URL              string        // Sprite proxy WebSocket URL
	Token            string        // Bearer token for the proxy
	Target           Target        // Descriptor sent during the handshake
	HandshakeTimeout time.Duration // Max wait for the ack frame
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping interval (0 disables)
	PingTimeout      time.Duration // Max time without pong before the link is stale
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
	}
}

// Handlers receive link events. Both are optional.
type Handlers struct {
	// OnMessage is called from the read goroutine for every complete line.
	OnMessage func(line []byte)

	// OnClose is called exactly once when the remote side closes or the
	// connection fails. A local Close does not trigger it.
	OnClose func(err error)
}

// Conn is the surface of a link used by the session layer.
type Conn interface {
	Send(data []byte) bool
	Close() error
	State() State
}

var _ Conn = (*Link)(nil)
