// Package directory is the read model of operator accounts: capacity and capabilities.
package directory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"livedesk/cmd/internal/apperr"
)

// DefaultCapacity applies to operators seeded without an explicit capacity.
const DefaultCapacity = 3

// Operator is the projection the routing engines need.
type Operator struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName,omitempty"`
	Capacity     int       `json:"capacity"`
	Capabilities []string  `json:"capabilities,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Has reports whether the operator holds capability c.
func (o Operator) Has(c string) bool {
	for _, x := range o.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// Store looks up operators.
type Store interface {
	GetOperator(ctx context.Context, userID string) (Operator, error)
	ListOperators(ctx context.Context) ([]Operator, error)
	UpsertOperator(ctx context.Context, op Operator) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]Operator
}

// NewMemoryStore returns a store seeded with ops.
func NewMemoryStore(ops ...Operator) *MemoryStore {
	s := &MemoryStore{ops: make(map[string]Operator, len(ops))}
	for _, op := range ops {
		op = normalize(op)
		s.ops[op.UserID] = op
	}
	return s
}

func (s *MemoryStore) GetOperator(_ context.Context, userID string) (Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[userID]
	if !ok {
		return Operator{}, apperr.E("directory.GetOperator", apperr.ErrNotFound, "unknown operator")
	}
	op.Capabilities = append([]string(nil), op.Capabilities...)
	return op, nil
}

func (s *MemoryStore) ListOperators(_ context.Context) ([]Operator, error) {
	s.mu.RLock()
	out := make([]Operator, 0, len(s.ops))
	for _, op := range s.ops {
		op.Capabilities = append([]string(nil), op.Capabilities...)
		out = append(out, op)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) UpsertOperator(_ context.Context, op Operator) error {
	op = normalize(op)
	if op.UserID == "" || op.Capacity < 0 {
		return apperr.E("directory.UpsertOperator", apperr.ErrInvalidInput, "userId required and capacity must be >= 0")
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.ops[op.UserID] = op
	s.mu.Unlock()
	return nil
}

// ParseSeed parses "id[:capacity[:cap1|cap2]]" items separated by commas, e.g.
// "alice:3:billing|sales,bob". It is used to seed a MemoryStore from the environment.
func ParseSeed(raw string) ([]Operator, error) {
	var out []Operator
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		op := Operator{UserID: strings.TrimSpace(parts[0]), Capacity: DefaultCapacity}
		if op.UserID == "" {
			return nil, apperr.Ef("directory.ParseSeed", apperr.ErrInvalidInput, "empty operator id in %q", item)
		}
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil || n < 0 {
				return nil, apperr.Ef("directory.ParseSeed", apperr.ErrInvalidInput, "bad capacity in %q", item)
			}
			op.Capacity = n
		}
		if len(parts) > 2 {
			op.Capabilities = strings.Split(parts[2], "|")
		}
		out = append(out, normalize(op))
	}
	return out, nil
}

func normalize(op Operator) Operator {
	op.UserID = strings.TrimSpace(op.UserID)
	op.DisplayName = strings.TrimSpace(op.DisplayName)

	seen := make(map[string]struct{}, len(op.Capabilities))
	caps := make([]string, 0, len(op.Capabilities))
	for _, c := range op.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}
	sort.Strings(caps)
	op.Capabilities = caps
	return op
}
