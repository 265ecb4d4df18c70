package realtime

import (
	"context"
	"time"
)

// Conversation is the persisted chat header. VisitorID owns the chat.
type Conversation struct {
	ID        string
	VisitorID string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID             string
	ConversationID string
	ClientMsgID    string
	Seq            int64
	SenderID       string
	Kind           string
	Text           string
	Status         string
	ReadBy         []string
	CreatedAt      time.Time
}

// MessageStore persists conversations, messages and read receipts.
//
// Requirements:
//   - Idempotency per (conversation_id, client_msg_id) when a client id is given
//   - Monotonic seq per conversation (no gaps for duplicates)
//   - History query ordered by seq ASC
//   - MarkRead reports whether the (message, user) receipt is new
type MessageStore interface {
	EnsureConversation(ctx context.Context, id, visitorID string, now time.Time) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	CloseConversation(ctx context.Context, id string, at time.Time) error

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	PendingFor(ctx context.Context, conversationID, recipientID string, limit int) ([]StoredMessage, error)
	MarkDelivered(ctx context.Context, conversationID string, messageIDs []string) error
	MarkRead(ctx context.Context, in MarkReadInput) (bool, error)

	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	ClientMsgID    string
	SenderID       string
	Kind           string
	Text           string
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

// MarkReadInput records that UserID read MessageID.
type MarkReadInput struct {
	ConversationID string
	MessageID      string
	UserID         string
	At             time.Time
}

func clampHistoryLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}
