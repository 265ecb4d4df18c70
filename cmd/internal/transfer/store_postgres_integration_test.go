package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/pgdb/pgtest"
)

func TestPostgresStore_SaveGetListRequested(t *testing.T) {
	pool, schema := pgtest.Open(t)

	s, err := NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	tr := Transfer{
		ID: "tr-1", FromOperatorID: "op-1", ToOperatorID: "op-2", ChatID: "chat-1", VisitorID: "v-1",
		Status: StatusRequested, Reason: "billing question", RequestedAt: now,
	}
	if err := s.Save(ctx, tr); err != nil {
		t.Fatalf("save: %v", err)
	}

	pending, err := s.ListRequested(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "tr-1" {
		t.Fatalf("unexpected pending: %+v", pending)
	}

	responded := now.Add(time.Second)
	tr.Status = StatusRejected
	tr.Note = "busy"
	tr.RespondedAt = &responded
	if err := s.Save(ctx, tr); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "tr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRejected || got.Note != "busy" || got.RespondedAt == nil {
		t.Fatalf("unexpected transfer: %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
