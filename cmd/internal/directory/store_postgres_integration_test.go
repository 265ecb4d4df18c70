package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/pgdb/pgtest"
)

func TestPostgresStore_UpsertGetList(t *testing.T) {
	pool, schema := pgtest.Open(t)

	s, err := NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.GetOperator(ctx, "alice"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpsertOperator(ctx, Operator{UserID: "bob", Capacity: 1}); err != nil {
		t.Fatalf("upsert bob: %v", err)
	}
	if err := s.UpsertOperator(ctx, Operator{UserID: "alice", Capacity: 2, Capabilities: []string{"Billing"}}); err != nil {
		t.Fatalf("upsert alice: %v", err)
	}

	op, err := s.GetOperator(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Capacity != 2 || !op.Has("billing") {
		t.Fatalf("unexpected operator: %+v", op)
	}

	all, err := s.ListOperators(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].UserID != "alice" {
		t.Fatalf("unexpected list: %+v", all)
	}
}
