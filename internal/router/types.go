package router

import (
	"github.com/rickgao/sprite-bridge/internal/protocol"
	"github.com/rickgao/sprite-bridge/internal/session"
)

// Tab is the browser connection a frame arrived on.
type Tab interface {
	ID() string
	UserID() string
	Send(data []byte) error
}

// Sessions delivers browser messages toward the user's sprite.
// Implemented by session.Coordinator.
type Sessions interface {
	Submit(userID string, payload []byte) session.Outcome
}

// Broadcaster fans backend messages out to a user's tabs.
// Implemented by session.Registry.
type Broadcaster interface {
	Broadcast(userID string, data []byte) int
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	// Browser to sprite
	MessagesReceived int64
	MessagesRouted   int64 // Written to a live link
	MessagesBuffered int64
	MessagesRejected int64 // Buffer full or sprite unavailable
	ParseErrors      int64

	// Sprite to browser
	BackendReceived    int64
	BackendBroadcast   int64
	BackendParseErrors int64
}

// inbound lists the types browsers may send once authenticated.
var inbound = map[protocol.Type]bool{
	protocol.TypeMission:           true,
	protocol.TypeCanvasInteraction: true,
}
