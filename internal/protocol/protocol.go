package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
)

// Represents the type of a wire message
type MessageType string

const (
	// Client -> server
	TypeMutation MessageType = "mutation"
	TypePresence MessageType = "presence"
	TypeEvent    MessageType = "event"
	TypeUndo     MessageType = "undo"
	TypeRedo     MessageType = "redo"
	TypeReset    MessageType = "reset"
	TypeDelete   MessageType = "delete"
	TypeResync   MessageType = "resync"

	// Server -> client. Presence and event are shared with the client direction.
	TypeWelcome         MessageType = "welcome"
	TypeStorage         MessageType = "storage"
	TypePresenceRemoved MessageType = "presence_removed"
	TypeAck             MessageType = "ack"
	TypeSnapshot        MessageType = "snapshot"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// Envelope wraps every message on the socket
type Envelope struct {
	Type MessageType     `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// A durable shape write. A null or missing payload deletes the object.
type Mutation struct {
	ObjectID string          `json:"objectId"`
	Payload  json.RawMessage `json:"payload"`
}

func (m Mutation) IsDelete() bool {
	return IsNull(m.Payload)
}

type DeleteRequest struct {
	ObjectID string `json:"objectId"`
}

// Change is the new state of one object; a null payload means it is gone
type Change struct {
	ObjectID string          `json:"objectId"`
	Payload  json.RawMessage `json:"payload"`
}

func (c Change) Deleted() bool {
	return IsNull(c.Payload)
}

// Storage carries durable changes and the room's history flags after them.
// Reset means the document was cleared before Changes apply.
type Storage struct {
	Sequence uint64   `json:"seq"`
	Changes  []Change `json:"changes"`
	Reset    bool     `json:"reset,omitempty"`
	CanUndo  bool     `json:"canUndo"`
	CanRedo  bool     `json:"canRedo"`
}

type PresenceUpdate struct {
	ConnectionID string         `json:"connectionId"`
	Presence     presence.Entry `json:"presence"`
}

type PresenceRemoved struct {
	ConnectionID string `json:"connectionId"`
}

type EventMessage struct {
	ConnectionID string       `json:"connectionId,omitempty"`
	Event        events.Event `json:"event"`
}

type Welcome struct {
	ConnectionID string                    `json:"connectionId"`
	RoomID       string                    `json:"roomId"`
	Sequence     uint64                    `json:"seq"`
	Document     []document.Record         `json:"document"`
	Presence     map[string]presence.Entry `json:"presence"`
	CanUndo      bool                      `json:"canUndo"`
	CanRedo      bool                      `json:"canRedo"`
}

type Snapshot struct {
	Sequence uint64            `json:"seq"`
	Document []document.Record `json:"document"`
}

type Ack struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Sequence uint64 `json:"seq"`
	CanUndo  bool   `json:"canUndo"`
	CanRedo  bool   `json:"canRedo"`
}

func IsNull(p json.RawMessage) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Encode builds an envelope around body
func Encode(t MessageType, ref string, body any) ([]byte, error) {
	env := Envelope{Type: t, Ref: ref}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", t, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses an envelope and checks it is a known message type
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if !known(env.Type) {
		return Envelope{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, env.Type)
	}
	return env, nil
}

// Body decodes the envelope data into v
func (e Envelope) Body(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s message has no data", ErrInvalidMessage, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrInvalidMessage, e.Type, err)
	}
	return nil
}

// FromClient reports whether clients are allowed to send t
func FromClient(t MessageType) bool {
	switch t {
	case TypeMutation, TypePresence, TypeEvent, TypeUndo, TypeRedo, TypeReset, TypeDelete, TypeResync:
		return true
	}
	return false
}

func known(t MessageType) bool {
	if FromClient(t) {
		return true
	}
	switch t {
	case TypeWelcome, TypeStorage, TypePresenceRemoved, TypeAck, TypeSnapshot:
		return true
	}
	return false
}
