// Package link implements the connection from the gateway to one user's
// sprite.
//
// A link:
//   - Dials the sprite proxy endpoint over WebSocket
//   - Sends a {host, port} descriptor and waits for a single ack frame
//   - Exchanges newline-delimited envelopes once the ack arrives
//   - Reports a remote close exactly once through its OnClose handler
package link
