package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/ids"
	v1 "livedesk/shared/contracts/realtime/v1"
)

// testStoreContract exercises the MessageStore semantics shared by every implementation.
func testStoreContract(t *testing.T, newStore func(t *testing.T) MessageStore) {
	t.Run("ConversationOwnership", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)
		conv := "conv-" + ids.MustULID(time.Now())

		if _, err := s.GetConversation(ctx, conv); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.EnsureConversation(ctx, conv, "v-1", time.Now().UTC()); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if _, err := s.EnsureConversation(ctx, conv, "v-1", time.Now().UTC()); err != nil {
			t.Fatalf("ensure twice: %v", err)
		}
		if _, err := s.EnsureConversation(ctx, conv, "v-2", time.Now().UTC()); !errors.Is(err, apperr.ErrForbidden) {
			t.Fatalf("expected ErrForbidden for another visitor, got %v", err)
		}

		if err := s.CloseConversation(ctx, conv, time.Now().UTC()); err != nil {
			t.Fatalf("close: %v", err)
		}
		c, err := s.GetConversation(ctx, conv)
		if err != nil || c.ClosedAt == nil {
			t.Fatalf("expected closed conversation: %+v %v", c, err)
		}
		c, err = s.EnsureConversation(ctx, conv, "v-1", time.Now().UTC())
		if err != nil || c.ClosedAt != nil {
			t.Fatalf("expected reopened conversation: %+v %v", c, err)
		}
	})

	t.Run("AppendRequiresConversation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendMessage(testCtx(t), AppendMessageInput{
			ConversationID: "missing-" + ids.MustULID(time.Now()),
			SenderID:       "v-1",
			Text:           "hi",
		})
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DedupeNoSeqWaste", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)
		conv := mustConversation(t, s, "v-1")

		first, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv, ClientMsgID: "c-1", SenderID: "v-1", Text: "hello"})
		if err != nil {
			t.Fatalf("append first: %v", err)
		}
		if first.Duplicated || first.Stored.Seq != 1 || first.Stored.Status != v1.StatusSent || first.Stored.ID == "" {
			t.Fatalf("unexpected first: %+v", first)
		}

		dup, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv, ClientMsgID: "c-1", SenderID: "v-1", Text: "hello again"})
		if err != nil {
			t.Fatalf("append dup: %v", err)
		}
		if !dup.Duplicated || dup.Stored.ID != first.Stored.ID {
			t.Fatalf("expected duplicate of first, got %+v", dup)
		}

		second, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv, SenderID: "op-1", Text: "hi"})
		if err != nil {
			t.Fatalf("append second: %v", err)
		}
		if second.Stored.Seq != 2 {
			t.Fatalf("expected seq=2 (no waste), got %d", second.Stored.Seq)
		}
	})

	t.Run("HistoryPaging", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)
		conv := mustConversation(t, s, "v-1")
		for i := 1; i <= 5; i++ {
			if _, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv, SenderID: "v-1", Text: fmt.Sprintf("m%d", i)}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		page, err := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv, Limit: 2})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(page.Messages) != 2 || !page.HasMore || page.Messages[0].Seq != 1 || page.Messages[1].Seq != 2 {
			t.Fatalf("unexpected first page: %+v", page)
		}

		after := int64(3)
		page, err = s.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv, AfterSeq: &after, Limit: 10})
		if err != nil {
			t.Fatalf("history after: %v", err)
		}
		if len(page.Messages) != 2 || page.HasMore || page.Messages[0].Text != "m4" {
			t.Fatalf("unexpected page after 3: %+v", page)
		}
	})

	t.Run("PendingDeliveredRead", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)
		conv := mustConversation(t, s, "v-1")

		a, _ := s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv, SenderID: "v-1", Text: "from visitor"})
		_, _ = s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv, SenderID: "op-1", Text: "from operator"})

		pending, err := s.PendingFor(ctx, conv, "op-1", 10)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != a.Stored.ID {
			t.Fatalf("expected only the visitor message pending for op-1, got %+v", pending)
		}

		if err := s.MarkDelivered(ctx, conv, []string{a.Stored.ID}); err != nil {
			t.Fatalf("mark delivered: %v", err)
		}
		if pending, _ := s.PendingFor(ctx, conv, "op-1", 10); len(pending) != 0 {
			t.Fatalf("expected nothing pending after delivery, got %+v", pending)
		}

		in := MarkReadInput{ConversationID: conv, MessageID: a.Stored.ID, UserID: "op-1", At: time.Now().UTC()}
		changed, err := s.MarkRead(ctx, in)
		if err != nil || !changed {
			t.Fatalf("first mark read: changed=%v err=%v", changed, err)
		}
		changed, err = s.MarkRead(ctx, in)
		if err != nil || changed {
			t.Fatalf("second mark read must be a no-op: changed=%v err=%v", changed, err)
		}
		changed, err = s.MarkRead(ctx, MarkReadInput{ConversationID: conv, MessageID: a.Stored.ID, UserID: "v-1"})
		if err != nil || changed {
			t.Fatalf("reading your own message must be a no-op: changed=%v err=%v", changed, err)
		}
		if _, err := s.MarkRead(ctx, MarkReadInput{ConversationID: conv, MessageID: "nope", UserID: "op-1"}); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
		}

		// Delivery never downgrades a read message.
		if err := s.MarkDelivered(ctx, conv, []string{a.Stored.ID}); err != nil {
			t.Fatalf("mark delivered again: %v", err)
		}
		page, _ := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv})
		got := page.Messages[0]
		if got.Status != v1.StatusRead || len(got.ReadBy) != 1 || got.ReadBy[0] != "op-1" {
			t.Fatalf("unexpected read state: %+v", got)
		}
	})

	t.Run("ConcurrentAppendStrictSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)
		conv := mustConversation(t, s, "v-1")

		const n = 32
		var wg sync.WaitGroup
		errCh := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendMessage(ctx, AppendMessageInput{
					ConversationID: conv,
					ClientMsgID:    fmt.Sprintf("c-%d", i),
					SenderID:       "v-1",
					Text:           fmt.Sprintf("m%d", i),
				})
				if err != nil {
					errCh <- err
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatalf("concurrent append: %v", err)
		}

		page, err := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv, Limit: 200})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(page.Messages) != n {
			t.Fatalf("expected %d messages, got %d", n, len(page.Messages))
		}
		for i, m := range page.Messages {
			if m.Seq != int64(i+1) {
				t.Fatalf("gap or disorder at %d: seq=%d", i, m.Seq)
			}
		}
	})
}

func mustConversation(t *testing.T, s MessageStore, visitorID string) string {
	t.Helper()
	id := "conv-" + ids.MustULID(time.Now())
	if _, err := s.EnsureConversation(testCtx(t), id, visitorID, time.Now().UTC()); err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	return id
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}
