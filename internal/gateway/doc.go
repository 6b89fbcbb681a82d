// Package gateway is the bridge's HTTP surface.
//
// It upgrades browser connections on /ws, authenticates them with the first
// frame, registers them as session tabs and feeds their frames to the
// router. It also serves /health, /metrics and the LLM proxy routes.
//
// Browser handshake:
//
//	browser -> {"type":"auth","id":..,"payload":{"token":..}}
//	gateway -> {"type":"system","payload":{"event":"connected","user_id":..}}
//	gateway -> sprite_waking ... sprite_ready
//
// A browser that sends anything else first, or nothing within the auth
// timeout, is closed with 4003. A bad token closes with 4001 and an unknown
// user with 4004.
package gateway
