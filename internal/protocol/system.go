package protocol

// SystemEvent is the payload.event of a system envelope.
type SystemEvent string

const (
	EventConnected       SystemEvent = "connected"
	EventSpriteWaking    SystemEvent = "sprite_waking"
	EventSpriteReady     SystemEvent = "sprite_ready"
	EventReconnectFailed SystemEvent = "reconnect_failed"
	EventError           SystemEvent = "error"
)

// Error codes carried by system/error events.
const (
	CodeInvalidFrame  = "invalid_frame"
	CodeUnknownType   = "unknown_type"
	CodeBufferFull    = "buffer_full"
	CodeNotReady      = "not_ready"
	CodeAlreadyAuthed = "already_authenticated"
)

// SystemPayload is the payload of a system envelope.
type SystemPayload struct {
	Event   SystemEvent `json:"event"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	UserID  string      `json:"user_id,omitempty"`
}

// System builds a system envelope. It never fails because SystemPayload
// always marshals.
func System(event SystemEvent, message string) Envelope {
	env, _ := New(TypeSystem, SystemPayload{Event: event, Message: message})
	return env
}

// SystemError builds a system/error envelope with a machine-readable code.
func SystemError(code, message string) Envelope {
	env, _ := New(TypeSystem, SystemPayload{Event: EventError, Code: code, Message: message})
	return env
}

// MustEncode marshals a gateway-built envelope. Gateway envelopes contain
// only RawMessage payloads produced by json.Marshal, so encoding cannot fail.
func MustEncode(e Envelope) []byte {
	data, err := e.Encode()
	if err != nil {
		panic("protocol: encode envelope: " + err.Error())
	}
	return data
}

// SystemEventOf extracts the system payload when env is a system envelope.
func SystemEventOf(env Envelope) (SystemPayload, bool) {
	if env.Type != TypeSystem {
		return SystemPayload{}, false
	}
	var p SystemPayload
	if err := env.DecodePayload(&p); err != nil {
		return SystemPayload{}, false
	}
	return p, true
}
