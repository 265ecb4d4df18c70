package assignment

import (
	"context"
	"sort"
	"sync"

	"livedesk/cmd/internal/apperr"
)

// Store persists assignments. Rows are upserted by id and never deleted.
type Store interface {
	Save(ctx context.Context, a Assignment) error
	Get(ctx context.Context, id string) (Assignment, error)
	// ListOpen returns every non-terminal assignment ordered by AssignedAt.
	ListOpen(ctx context.Context) ([]Assignment, error)
}

// MemoryStore is a Store for tests and single-process deployments without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Assignment)}
}

func (s *MemoryStore) Save(ctx context.Context, a Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.rows[a.ID] = clone(&a)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[id]
	if !ok {
		return Assignment{}, apperr.E("assignment.MemoryStore.Get", apperr.ErrNotFound, "assignment not found")
	}
	return clone(&a), nil
}

func (s *MemoryStore) ListOpen(_ context.Context) ([]Assignment, error) {
	s.mu.RLock()
	var out []Assignment
	for _, a := range s.rows {
		if !a.Status.Terminal() {
			out = append(out, clone(&a))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}
