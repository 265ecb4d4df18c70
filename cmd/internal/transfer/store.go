package transfer

import (
	"context"
	"sort"
	"sync"

	"livedesk/cmd/internal/apperr"
)

// Store persists transfers. Rows are upserted by id.
type Store interface {
	Save(ctx context.Context, t Transfer) error
	Get(ctx context.Context, id string) (Transfer, error)
	ListRequested(ctx context.Context) ([]Transfer, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Transfer)}
}

func (s *MemoryStore) Save(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.rows[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[id]
	if !ok {
		return Transfer{}, apperr.E("transfer.MemoryStore.Get", apperr.ErrNotFound, "transfer not found")
	}
	return t, nil
}

func (s *MemoryStore) ListRequested(_ context.Context) ([]Transfer, error) {
	s.mu.RLock()
	var out []Transfer
	for _, t := range s.rows {
		if t.Status == StatusRequested {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}
