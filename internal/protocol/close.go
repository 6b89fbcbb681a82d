package protocol

// WebSocket close codes used between browsers and the gateway.
const (
	CloseNormal          = 1000
	CloseInvalidAuth     = 4001
	CloseAuthRequired    = 4003
	CloseUserNotFound    = 4004
	CloseGatewayStopping = 1001
	CloseTryAgainLater   = 1013 // Browser fell behind; reconnect to resync
)

// terminalCodes never trigger a client reconnect.
var terminalCodes = map[int]string{
	CloseInvalidAuth:  "invalid authentication",
	CloseAuthRequired: "authentication required",
	CloseUserNotFound: "user not found",
}

// IsTerminalClose reports whether a close code ends the session for good.
func IsTerminalClose(code int) bool {
	_, ok := terminalCodes[code]
	return ok
}

// CloseReason returns a human-readable reason for terminal codes.
func CloseReason(code int) string {
	return terminalCodes[code]
}
