// Package realtime contains the livedesk chat room broker, the websocket gateway and message
// persistence.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/pgdb"
	v1 "livedesk/shared/contracts/realtime/v1"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a Postgres-backed MessageStore in schema ("" means the default).
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	schema, err := pgdb.NormalizeSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string { return pgdb.Ident(s.schema, name) }

// EnsureConversation creates the conversation or reopens it for the same visitor.
func (s *PostgresStore) EnsureConversation(ctx context.Context, id, visitorID string, now time.Time) (Conversation, error) {
	const op = "realtime.EnsureConversation"
	if strings.TrimSpace(id) == "" || strings.TrimSpace(visitorID) == "" {
		return Conversation{}, apperr.E(op, apperr.ErrInvalidInput, "conversation id and visitor id are required")
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, visitor_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, visitorID, now,
	); err != nil {
		return Conversation{}, err
	}

	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if c.VisitorID != visitorID {
		return Conversation{}, apperr.E(op, apperr.ErrForbidden, "conversation belongs to another visitor")
	}
	if c.ClosedAt != nil {
		if _, err := s.pool.Exec(ctx,
			`UPDATE `+s.table("conversations")+` SET closed_at = NULL WHERE id = $1`, id,
		); err != nil {
			return Conversation{}, err
		}
		c.ClosedAt = nil
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, visitor_id, created_at, closed_at FROM `+s.table("conversations")+` WHERE id = $1`, id,
	).Scan(&c.ID, &c.VisitorID, &c.CreatedAt, &c.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.E("realtime.GetConversation", apperr.ErrNotFound, "conversation not found")
	}
	return c, err
}

func (s *PostgresStore) CloseConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversations")+` SET closed_at = COALESCE(closed_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.E("realtime.CloseConversation", apperr.ErrNotFound, "conversation not found")
	}
	return nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := s.table("conversation_cursors")
	messages := s.table("messages")

	// Serialize all writes per conversation so duplicates never consume a seq.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table("conversations")+` WHERE id = $1)`, in.ConversationID,
	).Scan(&exists); err != nil {
		return AppendMessageResult{}, err
	}
	if !exists {
		return AppendMessageResult{}, apperr.E(op, apperr.ErrNotFound, "conversation not found")
	}

	if in.ClientMsgID != "" {
		existing, err := s.readMessage(ctx, tx, `m.conversation_id = $1 AND m.client_msg_id = $2`, in.ConversationID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	out := StoredMessage{
		ID:             ids.MustULID(now),
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            seq,
		SenderID:       in.SenderID,
		Kind:           kind,
		Text:           in.Text,
		Status:         v1.StatusSent,
		CreatedAt:      now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, seq, message_id, client_msg_id, sender_id, kind, text, status, created_at
		   ) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		out.ConversationID, out.Seq, out.ID, out.ClientMsgID, out.SenderID, out.Kind, out.Text, out.Status, out.CreatedAt,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out, Duplicated: false}, nil
}

const messageColumns = `m.message_id, m.conversation_id, COALESCE(m.client_msg_id, ''), m.seq, m.sender_id,
       m.kind, m.text, m.status, m.created_at,
       COALESCE((SELECT array_agg(r.user_id ORDER BY r.read_at, r.user_id) FROM %s r WHERE r.message_id = m.message_id), '{}'::text[])`

func (s *PostgresStore) columns() string {
	return fmt.Sprintf(messageColumns, s.table("message_reads"))
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID == "" {
		return FetchHistoryResult{}, apperr.E("realtime.FetchHistory", apperr.ErrInvalidInput, "missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	var after int64
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	msgs, err := s.queryMessages(ctx,
		`SELECT `+s.columns()+`
		   FROM `+s.table("messages")+` m
		  WHERE m.conversation_id = $1 AND m.seq > $2
		  ORDER BY m.seq ASC
		  LIMIT $3`,
		in.ConversationID, after, limit+1,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// PendingFor returns SENT messages from other senders, oldest first.
func (s *PostgresStore) PendingFor(ctx context.Context, conversationID, recipientID string, limit int) ([]StoredMessage, error) {
	return s.queryMessages(ctx,
		`SELECT `+s.columns()+`
		   FROM `+s.table("messages")+` m
		  WHERE m.conversation_id = $1 AND m.status = 'SENT' AND m.sender_id <> $2
		  ORDER BY m.seq ASC
		  LIMIT $3`,
		conversationID, recipientID, clampHistoryLimit(limit),
	)
}

// MarkDelivered moves SENT messages to DELIVERED. Read messages are left alone.
func (s *PostgresStore) MarkDelivered(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET status = 'DELIVERED'
		  WHERE conversation_id = $1 AND message_id = ANY($2) AND status = 'SENT'`,
		conversationID, messageIDs,
	)
	return err
}

// MarkRead records a read receipt. Reading your own message is a no-op.
func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) (bool, error) {
	const op = "realtime.MarkRead"

	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sender string
	err = tx.QueryRow(ctx,
		`SELECT sender_id FROM `+s.table("messages")+`
		  WHERE conversation_id = $1 AND message_id = $2
		  FOR UPDATE`,
		in.ConversationID, in.MessageID,
	).Scan(&sender)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, apperr.E(op, apperr.ErrNotFound, "message not found")
	}
	if err != nil {
		return false, err
	}
	if sender == in.UserID {
		return false, nil
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("message_reads")+` (message_id, user_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		in.MessageID, in.UserID, at,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table("messages")+` SET status = 'READ' WHERE message_id = $1`, in.MessageID,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) readMessage(ctx context.Context, tx pgx.Tx, where string, args ...any) (StoredMessage, error) {
	return scanMessage(tx.QueryRow(ctx,
		`SELECT `+s.columns()+` FROM `+s.table("messages")+` m WHERE `+where,
		args...,
	))
}

func (s *PostgresStore) queryMessages(ctx context.Context, sql string, args ...any) ([]StoredMessage, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (StoredMessage, error) {
	var m StoredMessage
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.ClientMsgID,
		&m.Seq,
		&m.SenderID,
		&m.Kind,
		&m.Text,
		&m.Status,
		&m.CreatedAt,
		&m.ReadBy,
	)
	return m, err
}
