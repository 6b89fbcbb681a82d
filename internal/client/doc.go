// Package client is a Go client for the bridge gateway.
//
// A Manager owns one logical connection: it dials, authenticates with a
// token from the caller's TokenSource, tracks the session status the gateway
// reports, and reconnects with exponential backoff after recoverable closes.
// Messages sent while the session is not ready wait in a bounded outbound
// queue and are flushed, oldest first, when the gateway announces
// sprite_ready.
//
// Status flow:
//
//	disconnected -> connecting -> authenticating -> sprite_waking -> connected
//	                     \______________ error (recoverable or terminal)
//
// Close codes 4001, 4003 and 4004 and a reconnect_failed event are terminal:
// no reconnect is scheduled and Send drops messages until Connect is called
// again.
package client
