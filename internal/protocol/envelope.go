package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrMissingField = errors.New("missing required field")
	ErrUnknownType  = errors.New("unknown message type")
	ErrBadPayload   = errors.New("invalid payload")
)

// Type is the envelope discriminant.
type Type string

const (
	TypeAuth              Type = "auth"
	TypeMission           Type = "mission"
	TypeCanvasInteraction Type = "canvas_interaction"
	TypeSystem            Type = "system"
	TypeAgentEvent        Type = "agent_event"
	TypeCanvasUpdate      Type = "canvas_update"
	TypeStateSync         Type = "state_sync"
)

// Envelope is the wire format for every message.
type Envelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload carries the browser credential.
type AuthPayload struct {
	Token string `json:"token"`
}

// MissionPayload is a user instruction for the agent.
type MissionPayload struct {
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
}

// CanvasInteractionPayload reports a user action on a canvas card.
type CanvasInteractionPayload struct {
	CardID    string          `json:"card_id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// validators maps each known type to its payload check.
// A nil validator accepts any payload, including none.
var validators = map[Type]func(json.RawMessage) error{
	TypeAuth: func(raw json.RawMessage) error {
		var p AuthPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Token == "" {
			return fmt.Errorf("%w: payload.token", ErrMissingField)
		}
		return nil
	},
	TypeMission: func(raw json.RawMessage) error {
		var p MissionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Content == "" {
			return fmt.Errorf("%w: payload.content", ErrMissingField)
		}
		return nil
	},
	TypeCanvasInteraction: func(raw json.RawMessage) error {
		var p CanvasInteractionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.CardID == "" || p.Action == "" {
			return fmt.Errorf("%w: payload.card_id/action", ErrMissingField)
		}
		return nil
	},
	TypeSystem: func(raw json.RawMessage) error {
		var p SystemPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Event == "" {
			return fmt.Errorf("%w: payload.event", ErrMissingField)
		}
		return nil
	},
	TypeAgentEvent:   requireObject,
	TypeCanvasUpdate: requireObject,
	TypeStateSync:    requireObject,
}

func requireObject(raw json.RawMessage) error {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m)
}

// Known reports whether t is a recognized message type.
func Known(t Type) bool {
	_, ok := validators[t]
	return ok
}

// Parse decodes and validates a single envelope.
// Every failure wraps one of the package errors so callers can reply with a
// local error instead of dropping the connection.
func Parse(data []byte) (Envelope, error) {
	var wire struct {
		Envelope
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env := wire.Envelope

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type", ErrMissingField)
	}
	if env.ID == "" {
		return Envelope{}, fmt.Errorf("%w: id", ErrMissingField)
	}
	if wire.Timestamp == nil {
		return Envelope{}, fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	env.Timestamp = *wire.Timestamp

	validate, ok := validators[env.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Envelope{}, fmt.Errorf("%w: payload", ErrMissingField)
	}
	if err := validate(env.Payload); err != nil {
		if errors.Is(err, ErrMissingField) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}

	return env, nil
}

// New builds an envelope with a fresh ID and the current timestamp.
func New(t Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		Type:      t,
		ID:        NewID(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Encode marshals the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// NewID returns an opaque envelope ID.
func NewID() string {
	return uuid.NewString()
}
