package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"livedesk/cmd/internal/apperr"
)

func TestParseSeed(t *testing.T) {
	ops, err := ParseSeed(" alice:5:Billing|sales|billing , bob ,, carol:0")
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 operators, got %d", len(ops))
	}

	tests := []struct {
		i    int
		id   string
		cap  int
		caps int
	}{
		{0, "alice", 5, 2},
		{1, "bob", DefaultCapacity, 0},
		{2, "carol", 0, 0},
	}
	for _, tt := range tests {
		op := ops[tt.i]
		if op.UserID != tt.id || op.Capacity != tt.cap || len(op.Capabilities) != tt.caps {
			t.Fatalf("op %d: got %+v", tt.i, op)
		}
	}
	if !ops[0].Has("billing") || ops[0].Has("Billing") {
		t.Fatalf("capabilities must be lowercased: %v", ops[0].Capabilities)
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	for _, raw := range []string{":3", "alice:-1", "alice:x"} {
		if _, err := ParseSeed(raw); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("ParseSeed(%q): expected ErrInvalidInput, got %v", raw, err)
		}
	}
}

func TestMemoryStore_GetAndUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Operator{UserID: "alice", Capacity: 2})

	if _, err := s.GetOperator(ctx, "nobody"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpsertOperator(ctx, Operator{UserID: "alice", Capacity: 4, Capabilities: []string{"vip"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	op, err := s.GetOperator(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Capacity != 4 || !op.Has("vip") {
		t.Fatalf("unexpected operator: %+v", op)
	}
}

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) GetOperator(ctx context.Context, id string) (Operator, error) {
	c.gets++
	return c.Store.GetOperator(ctx, id)
}

func TestCached_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore(Operator{UserID: "alice", Capacity: 1})}
	c := NewCached(inner, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := c.GetOperator(ctx, "alice"); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if inner.gets != 1 {
		t.Fatalf("expected one backing read, got %d", inner.gets)
	}

	if err := c.UpsertOperator(ctx, Operator{UserID: "alice", Capacity: 9}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	op, _ := c.GetOperator(ctx, "alice")
	if op.Capacity != 9 || inner.gets != 2 {
		t.Fatalf("expected fresh read after upsert, got cap=%d gets=%d", op.Capacity, inner.gets)
	}
}
