// Package v1 defines the livedesk realtime protocol v1 contract.
//
// It is shared between the server, the smoke tool and Go clients so the wire protocol has a single
// source of truth. Keep it free of server-side dependencies.
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

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "livedesk.realtime.v1"

// Client -> server types.
const (
	TypeJoinRoom    = "join-room"
	TypeLeaveRoom   = "leave-room"
	TypeSendMessage = "send-message"
	TypeTypingStart = "typing-start"
	TypeTypingStop  = "typing-stop"
	TypeMarkAsRead  = "mark-as-read"
)

// Server -> client types.
const (
	TypeConnected         = "connected"
	TypeRoomJoined        = "room-joined"
	TypeRoomLeft          = "room-left"
	TypeNewMessage        = "new-message"
	TypeMessageAck        = "message-ack"
	TypeUserTyping        = "user-typing"
	TypeUserStoppedTyping = "user-stopped-typing"
	TypeMessageRead       = "message-read"
	TypeOperatorAssigned  = "operator-assigned"
	TypeNewAssignment     = "new-assignment"
	TypeAssignmentUpdated = "assignment-updated"
	TypeTransferRequested = "transfer-requested"
	TypeTransferUpdated   = "transfer-updated"
	TypePresenceChanged   = "presence-changed"
	TypeError             = "error"
)

// Message kinds.
const (
	MessageText   = "text"
	MessageSystem = "system"
)

// Message delivery states.
const (
	StatusSent      = "SENT"
	StatusDelivered = "DELIVERED"
	StatusRead      = "READ"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of an Envelope received from a client.
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
	if !IsClientType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsClientType reports whether t may be sent by a client.
func IsClientType(t string) bool {
	switch t {
	case TypeJoinRoom, TypeLeaveRoom, TypeSendMessage, TypeTypingStart, TypeTypingStop, TypeMarkAsRead:
		return true
	}
	return false
}

// ---- Payloads ----

// User identifies the principal of a connection.
type User struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// ConnectedPayload is the first event on every connection.
type ConnectedPayload struct {
	User         User   `json:"user"`
	ConnectionID string `json:"connectionId"`
}

// RoomPayload names a conversation. It is used by join-room, leave-room, typing-start,
// typing-stop, room-joined and room-left.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload requests a new message. ClientMsgID is echoed in the ack.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// Message is the wire form of a chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	ReadBy         []string  `json:"readBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewMessagePayload carries a message to room members.
type NewMessagePayload struct {
	Message Message `json:"message"`
}

// MessageAckPayload acknowledges a send-message to its sender.
type MessageAckPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Seq            int64  `json:"seq"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// TypingPayload is sent for user-typing and user-stopped-typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MarkAsReadPayload marks one message read by the sender of the event.
type MarkAsReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// MessageReadPayload announces a read receipt.
type MessageReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// Operator is the visitor-facing view of an operator.
type Operator struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// OperatorAssignedPayload tells a visitor who will serve them.
type OperatorAssignedPayload struct {
	Operator       Operator `json:"operator"`
	ConversationID string   `json:"conversationId"`
	AssignmentID   string   `json:"assignmentId"`
}

// AssignmentPayload carries a serialized assignment for new-assignment and assignment-updated.
type AssignmentPayload struct {
	Assignment json.RawMessage `json:"assignment"`
}

// TransferPayload carries a serialized transfer for transfer-requested and transfer-updated.
type TransferPayload struct {
	Transfer json.RawMessage `json:"transfer"`
}

// PresenceChangedPayload is sent to operators when a user goes online or offline.
type PresenceChangedPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Online bool   `json:"online"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
