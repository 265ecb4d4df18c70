package directory

import (
	"context"
	"sync"
	"time"
)

// Cached wraps a Store with a short-lived read-through cache for GetOperator.
// Assignment creation looks operators up on every attempt; the cache keeps that off the database.
type Cached struct {
	next Store
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cachedOperator
}

type cachedOperator struct {
	op      Operator
	expires time.Time
}

// NewCached returns a caching Store. A non-positive ttl defaults to 30s.
func NewCached(next Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedOperator),
	}
}

func (c *Cached) GetOperator(ctx context.Context, userID string) (Operator, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[userID]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.op, nil
	}
	c.mu.Unlock()

	op, err := c.next.GetOperator(ctx, userID)
	if err != nil {
		return Operator{}, err
	}

	c.mu.Lock()
	c.entries[userID] = cachedOperator{op: op, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return op, nil
}

func (c *Cached) ListOperators(ctx context.Context) ([]Operator, error) {
	return c.next.ListOperators(ctx)
}

func (c *Cached) UpsertOperator(ctx context.Context, op Operator) error {
	if err := c.next.UpsertOperator(ctx, op); err != nil {
		return err
	}
	c.Invalidate(op.UserID)
	return nil
}

// Invalidate drops a cached operator.
func (c *Cached) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
