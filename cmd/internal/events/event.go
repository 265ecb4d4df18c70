// Package events publishes routing outcomes (assignments, transfers, queue exits, deliveries) for
// the collaborators that persist and display them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types double as routing keys.
const (
	TypeAssignmentChanged = "livedesk.assignment.changed.v1"
	TypeTransferChanged   = "livedesk.transfer.changed.v1"
	TypeQueueChanged      = "livedesk.queue.changed.v1"
	TypeMessagesDelivered = "livedesk.messages.delivered.v1"
)

// Meta is the envelope header shared by every event.
type Meta struct {
	// Unique event id.
	ID string `json:"id"`
	// Groups events caused by the same chat.
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope is the published message body.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps data with a fresh id.
func NewEnvelope(typ, producer, correlationID string, at time.Time, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			CorrelationID: correlationID,
			Producer:      producer,
			Time:          at.UTC(),
			Type:          typ,
		},
		Data: data,
	}
}

// AssignmentData is the payload of TypeAssignmentChanged. Assignment is the assignment's own
// JSON form.
type AssignmentData struct {
	Change     string `json:"change"`
	Assignment any    `json:"assignment"`
}

// TransferData is the payload of TypeTransferChanged.
type TransferData struct {
	Transfer any `json:"transfer"`
}

// QueueData is the payload of TypeQueueChanged.
type QueueData struct {
	Entry any `json:"entry"`
}

// DeliveredData is the payload of TypeMessagesDelivered.
type DeliveredData struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}
