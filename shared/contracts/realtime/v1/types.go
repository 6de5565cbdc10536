// Package v1 defines the TaskHive chat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke tool and Go clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated on the /ws endpoint.
const Subprotocol = "taskhive.chat.v1"

// Type constants (wire-stable).
const (
	// TypeJoinRoom subscribes the session to a conversation room (client -> server). No response.
	TypeJoinRoom = "joinRoom"
	// TypeLeaveRoom unsubscribes the session from a conversation room (client -> server). No response.
	TypeLeaveRoom = "leaveRoom"

	// TypeSendMessage submits a new message (client -> server).
	TypeSendMessage = "sendMessage"

	// TypeMessageReceived carries a persisted message (server -> room members).
	TypeMessageReceived = "messageReceived"
	// TypeMessageError reports a failed submission (server -> submitting session only).
	TypeMessageError = "messageError"

	// TypeError is a generic protocol error envelope (server -> client).
	TypeError = "error"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinRoom,
		TypeLeaveRoom,
		TypeSendMessage,
		TypeMessageReceived,
		TypeMessageError,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// RoomPayload names a conversation room for joinRoom / leaveRoom.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload requests sending a message into a conversation.
// Type defaults to "text" when omitted.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	SenderID       string `json:"senderId" validate:"max=128"`
	Content        string `json:"content" validate:"required"`
	Type           string `json:"type,omitempty" validate:"omitempty,oneof=text image file"`
}

// SenderInfo is the resolved display identity of a message sender.
type SenderInfo struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// Sender is either a resolved SenderInfo or, when the lookup failed, the raw sender id.
// It encodes as a JSON object or a JSON string respectively.
type Sender struct {
	ID   string
	Info *SenderInfo
}

// MarshalJSON implements json.Marshaler.
func (s Sender) MarshalJSON() ([]byte, error) {
	if s.Info != nil {
		return json.Marshal(s.Info)
	}
	return json.Marshal(s.ID)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sender) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err == nil {
		*s = Sender{ID: raw}
		return nil
	}
	var info SenderInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return err
	}
	*s = Sender{ID: info.ID, Info: &info}
	return nil
}

// MessageReceivedPayload is broadcast to every session in the room once a message is persisted.
type MessageReceivedPayload struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       Sender    `json:"senderId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorPayload is used by messageError and error envelopes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
