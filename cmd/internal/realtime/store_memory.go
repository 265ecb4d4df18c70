package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/ids"
	v1 "livedesk/shared/contracts/realtime/v1"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is the fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	Conversation

	seq    int64
	dedupe map[string]string // client_msg_id -> message id
	byID   map[string]*StoredMessage
	msgs   []*StoredMessage // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) EnsureConversation(ctx context.Context, id, visitorID string, now time.Time) (Conversation, error) {
	const op = "realtime.EnsureConversation"
	if strings.TrimSpace(id) == "" || strings.TrimSpace(visitorID) == "" {
		return Conversation{}, apperr.E(op, apperr.ErrInvalidInput, "conversation id and visitor id are required")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[id]
	if c == nil {
		c = &memConv{
			Conversation: Conversation{ID: id, VisitorID: visitorID, CreatedAt: now},
			dedupe:       make(map[string]string),
			byID:         make(map[string]*StoredMessage),
		}
		s.convs[id] = c
	}
	if c.VisitorID != visitorID {
		return Conversation{}, apperr.E(op, apperr.ErrForbidden, "conversation belongs to another visitor")
	}
	c.ClosedAt = nil
	return c.Conversation, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[id]
	if c == nil {
		return Conversation{}, apperr.E("realtime.GetConversation", apperr.ErrNotFound, "conversation not found")
	}
	return c.Conversation, nil
}

func (s *InMemoryStore) CloseConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[id]
	if c == nil {
		return apperr.E("realtime.CloseConversation", apperr.ErrNotFound, "conversation not found")
	}
	if c.ClosedAt == nil {
		c.ClosedAt = &at
	}
	return nil
}

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "realtime.AppendMessage"
	if in.ConversationID == "" || in.SenderID == "" || in.Text == "" {
		return AppendMessageResult{}, apperr.E(op, apperr.ErrInvalidInput, "conversation, sender and text are required")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	kind := in.Kind
	if kind == "" {
		kind = v1.MessageText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return AppendMessageResult{}, apperr.E(op, apperr.ErrNotFound, "conversation not found")
	}

	if in.ClientMsgID != "" {
		if id, ok := c.dedupe[in.ClientMsgID]; ok {
			if m := c.byID[id]; m != nil {
				return AppendMessageResult{Stored: copyMessage(m), Duplicated: true}, nil
			}
		}
	}

	c.seq++
	msg := &StoredMessage{
		ID:             ids.MustULID(now),
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		Kind:           kind,
		Text:           in.Text,
		Status:         v1.StatusSent,
		CreatedAt:      now,
	}
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = msg.ID
	}
	c.byID[msg.ID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		for _, old := range c.msgs[:len(c.msgs)-memMaxMessagesPerConversation] {
			delete(c.byID, old.ID)
			if old.ClientMsgID != "" {
				delete(c.dedupe, old.ClientMsgID)
			}
		}
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendMessageResult{Stored: copyMessage(msg), Duplicated: false}, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID == "" {
		return FetchHistoryResult{}, apperr.E("realtime.FetchHistory", apperr.ErrInvalidInput, "missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil || len(c.msgs) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq > after })
	}

	end := start + limit
	hasMore := end < len(c.msgs)
	if end > len(c.msgs) {
		end = len(c.msgs)
	}

	out := make([]StoredMessage, 0, end-start)
	for _, m := range c.msgs[start:end] {
		out = append(out, copyMessage(m))
	}
	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

// PendingFor returns SENT messages from other senders, oldest first.
func (s *InMemoryStore) PendingFor(ctx context.Context, conversationID, recipientID string, limit int) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil, nil
	}
	var out []StoredMessage
	for _, m := range c.msgs {
		if m.Status == v1.StatusSent && m.SenderID != recipientID {
			out = append(out, copyMessage(m))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MarkDelivered moves SENT messages to DELIVERED. Read messages are left alone.
func (s *InMemoryStore) MarkDelivered(_ context.Context, conversationID string, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil
	}
	for _, id := range messageIDs {
		if m := c.byID[id]; m != nil && m.Status == v1.StatusSent {
			m.Status = v1.StatusDelivered
		}
	}
	return nil
}

// MarkRead records a read receipt. Reading your own message is a no-op.
func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) (bool, error) {
	const op = "realtime.MarkRead"
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return false, apperr.E(op, apperr.ErrNotFound, "conversation not found")
	}
	m := c.byID[in.MessageID]
	if m == nil {
		return false, apperr.E(op, apperr.ErrNotFound, "message not found")
	}
	if m.SenderID == in.UserID {
		return false, nil
	}
	for _, u := range m.ReadBy {
		if u == in.UserID {
			return false, nil
		}
	}
	m.ReadBy = append(m.ReadBy, in.UserID)
	m.Status = v1.StatusRead
	return true, nil
}

func copyMessage(m *StoredMessage) StoredMessage {
	out := *m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}
