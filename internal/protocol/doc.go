// Package protocol defines the message envelope shared by browsers, the
// gateway and sprites.
//
// Every frame is a JSON envelope:
//
//	{"type": "mission", "id": "…", "timestamp": 1705328200000, "payload": {…}}
//
// The type field selects the payload shape. Parse validates the envelope and
// its payload at the boundary so downstream code never sees unknown types.
package protocol
