// Package queue holds visitors waiting for an operator.
package queue

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/metrics"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusAssigned  Status = "assigned"
	StatusAbandoned Status = "abandoned"
)

// Entry is one visitor's place in the queue.
type Entry struct {
	QueueID       string        `json:"queueId"`
	VisitorID     string        `json:"visitorId"`
	ChatID        string        `json:"chatId"`
	Priority      int           `json:"priority"`
	QueuedAt      time.Time     `json:"queuedAt"`
	Status        Status        `json:"status"`
	EstimatedWait time.Duration `json:"estimatedWaitTime"`
	Tags          []string      `json:"tags,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`

	// seq is the insertion order; it breaks ties between equal priority and queuedAt.
	seq uint64
}

// ChangeKind names what happened to an entry.
type ChangeKind string

const (
	ChangeEnqueued  ChangeKind = "enqueued"
	ChangeDequeued  ChangeKind = "dequeued"
	ChangeRequeued  ChangeKind = "requeued"
	ChangeAbandoned ChangeKind = "abandoned"
)

// Change is delivered to OnChange listeners.
type Change struct {
	Kind  ChangeKind
	Entry Entry
}

// Position describes where a waiting entry stands.
type Position struct {
	QueueID       string        `json:"queueId"`
	Position      int           `json:"position"`
	EstimatedWait time.Duration `json:"estimatedWait"`
	TotalInQueue  int           `json:"totalInQueue"`
}

// Config tunes the manager.
type Config struct {
	// DefaultServiceTime seeds the moving average before any conversation has completed.
	DefaultServiceTime time.Duration
	// Alpha is the EWMA weight of the newest sample, in (0,1].
	Alpha float64
	// MaxWait abandons waiting entries older than this during Sweep. Zero disables.
	MaxWait time.Duration
	// Retention keeps terminal entries queryable for this long after they change.
	Retention time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		DefaultServiceTime: 5 * time.Minute,
		Alpha:              0.2,
		Retention:          time.Hour,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.DefaultServiceTime <= 0 {
		c.DefaultServiceTime = d.DefaultServiceTime
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.MaxWait < 0 {
		c.MaxWait = 0
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

type snapshot struct {
	rank  map[string]int
	total int
	avg   time.Duration
}

// Manager is safe for concurrent use. Mutations serialize on one lock; Position reads a
// snapshot published after every mutation.
type Manager struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	waiting   []*Entry
	entries   map[string]*Entry
	byVisitor map[string]string
	seq       uint64
	avg       time.Duration

	snap atomic.Pointer[snapshot]

	lmu       sync.RWMutex
	listeners []func(Change)
}

// NewManager constructs an empty queue.
func NewManager(log *slog.Logger, cfg Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	m := &Manager{
		log:       log,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[string]*Entry),
		byVisitor: make(map[string]string),
		avg:       cfg.DefaultServiceTime,
	}
	m.snap.Store(&snapshot{rank: map[string]int{}, avg: m.avg})
	return m
}

// SetClock overrides time.Now. Call before use.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// OnChange registers fn to run after any change to the waiting set. It runs outside the lock,
// on the goroutine that made the change.
func (m *Manager) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

func (m *Manager) notify(kind ChangeKind, e Entry) {
	m.lmu.RLock()
	ls := append([]func(Change){}, m.listeners...)
	m.lmu.RUnlock()
	for _, fn := range ls {
		fn(Change{Kind: kind, Entry: e})
	}
}

// Enqueue adds a visitor. A visitor may hold at most one waiting entry.
func (m *Manager) Enqueue(visitorID, chatID string, priority int, tags []string) (Entry, error) {
	const op = "queue.Enqueue"

	visitorID = strings.TrimSpace(visitorID)
	chatID = strings.TrimSpace(chatID)
	if visitorID == "" || chatID == "" {
		return Entry{}, apperr.E(op, apperr.ErrInvalidInput, "visitorId and chatId are required")
	}

	now := m.now()
	e := &Entry{
		QueueID:   ids.MustULID(now),
		VisitorID: visitorID,
		ChatID:    chatID,
		Priority:  priority,
		QueuedAt:  now,
		Status:    StatusWaiting,
		Tags:      normalizeTags(tags),
		UpdatedAt: now,
	}

	m.mu.Lock()
	if id, ok := m.byVisitor[visitorID]; ok {
		m.mu.Unlock()
		return Entry{}, apperr.Ef(op, apperr.ErrAlreadyQueued, "visitor already waiting as %s", id)
	}
	m.seq++
	e.seq = m.seq
	m.insertLocked(e)
	out := m.publishLocked(e)
	m.mu.Unlock()

	metrics.QueueTransitions.WithLabelValues(string(StatusWaiting)).Inc()
	m.log.Info("queue.enqueued", "queue_id", out.QueueID, "visitor_id", visitorID, "chat_id", chatID, "priority", priority)
	m.notify(ChangeEnqueued, out)
	return out, nil
}

// DequeueNext removes and returns the best waiting entry the operator is qualified for.
// An entry matches when every one of its tags is in capabilities; untagged entries match anyone.
func (m *Manager) DequeueNext(capabilities []string) (Entry, bool) {
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range normalizeTags(capabilities) {
		caps[c] = struct{}{}
	}

	m.mu.Lock()
	idx := -1
	for i, e := range m.waiting {
		if matches(e.Tags, caps) {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return Entry{}, false
	}

	e := m.waiting[idx]
	m.removeWaitingLocked(idx)
	e.Status = StatusAssigned
	e.UpdatedAt = m.now()
	delete(m.byVisitor, e.VisitorID)
	out := m.publishLocked(e)
	m.mu.Unlock()

	metrics.QueueTransitions.WithLabelValues(string(StatusAssigned)).Inc()
	m.log.Info("queue.dequeued", "queue_id", out.QueueID, "visitor_id", out.VisitorID)
	m.notify(ChangeDequeued, out)
	return out, true
}

// Requeue puts a previously dequeued entry back. It keeps the original queuedAt and insertion
// order so the visitor does not lose their place.
func (m *Manager) Requeue(entry Entry) (Entry, error) {
	const op = "queue.Requeue"

	m.mu.Lock()
	e, ok := m.entries[entry.QueueID]
	if !ok {
		// Forgotten after retention, or restored from persistence: rebuild from the caller's copy.
		cp := entry
		cp.Tags = normalizeTags(entry.Tags)
		if cp.QueuedAt.IsZero() {
			cp.QueuedAt = m.now()
		}
		m.seq++
		cp.seq = m.seq
		e = &cp
	}
	if e.Status == StatusWaiting {
		m.mu.Unlock()
		return Entry{}, apperr.E(op, apperr.ErrAlreadyQueued, "entry already waiting")
	}
	if id, dup := m.byVisitor[e.VisitorID]; dup && id != e.QueueID {
		m.mu.Unlock()
		return Entry{}, apperr.Ef(op, apperr.ErrAlreadyQueued, "visitor already waiting as %s", id)
	}
	e.Status = StatusWaiting
	e.UpdatedAt = m.now()
	m.insertLocked(e)
	out := m.publishLocked(e)
	m.mu.Unlock()

	metrics.QueueTransitions.WithLabelValues(string(StatusWaiting)).Inc()
	m.log.Info("queue.requeued", "queue_id", out.QueueID, "visitor_id", out.VisitorID)
	m.notify(ChangeRequeued, out)
	return out, nil
}

// Abandon marks a waiting entry abandoned.
func (m *Manager) Abandon(queueID string) (Entry, error) {
	const op = "queue.Abandon"

	m.mu.Lock()
	e, ok := m.entries[queueID]
	if !ok {
		m.mu.Unlock()
		return Entry{}, apperr.E(op, apperr.ErrNotFound, "queue entry not found")
	}
	if e.Status != StatusWaiting {
		m.mu.Unlock()
		return Entry{}, apperr.Ef(op, apperr.ErrNotPending, "entry is %s", e.Status)
	}
	m.abandonLocked(e)
	out := m.publishLocked(e)
	m.mu.Unlock()

	metrics.QueueTransitions.WithLabelValues(string(StatusAbandoned)).Inc()
	m.log.Info("queue.abandoned", "queue_id", queueID, "visitor_id", out.VisitorID)
	m.notify(ChangeAbandoned, out)
	return out, nil
}

// AbandonVisitor abandons the visitor's waiting entry, if any.
func (m *Manager) AbandonVisitor(visitorID string) (Entry, bool) {
	m.mu.Lock()
	id, ok := m.byVisitor[visitorID]
	if !ok {
		m.mu.Unlock()
		return Entry{}, false
	}
	e := m.entries[id]
	m.abandonLocked(e)
	out := m.publishLocked(e)
	m.mu.Unlock()

	metrics.QueueTransitions.WithLabelValues(string(StatusAbandoned)).Inc()
	m.log.Info("queue.abandoned", "queue_id", id, "visitor_id", visitorID, "reason", "visitor_offline")
	m.notify(ChangeAbandoned, out)
	return out, true
}

// Position reports rank and estimated wait for a waiting entry without taking the queue lock.
func (m *Manager) Position(queueID string) (Position, error) {
	s := m.snap.Load()
	rank, ok := s.rank[queueID]
	if !ok {
		return Position{}, apperr.E("queue.Position", apperr.ErrNotFound, "entry is not waiting")
	}
	return Position{
		QueueID:       queueID,
		Position:      rank,
		EstimatedWait: s.avg * time.Duration(rank),
		TotalInQueue:  s.total,
	}, nil
}

// Len returns the number of waiting entries.
func (m *Manager) Len() int { return m.snap.Load().total }

// Get returns an entry by id, including terminal entries still inside the retention window.
func (m *Manager) Get(queueID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[queueID]
	if !ok {
		return Entry{}, false
	}
	return m.copyLocked(e), true
}

// WaitingFor returns the visitor's waiting entry.
func (m *Manager) WaitingFor(visitorID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byVisitor[visitorID]
	if !ok {
		return Entry{}, false
	}
	return m.copyLocked(m.entries[id]), true
}

// Waiting returns the waiting entries in dispatch order.
func (m *Manager) Waiting() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.waiting))
	for _, e := range m.waiting {
		out = append(out, m.copyLocked(e))
	}
	return out
}

// RecordServiceTime feeds a completed conversation's duration into the moving average.
func (m *Manager) RecordServiceTime(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.avg = time.Duration(m.cfg.Alpha*float64(d) + (1-m.cfg.Alpha)*float64(m.avg))
	m.publishLocked(nil)
	m.mu.Unlock()
}

// AverageServiceTime returns the current moving average.
func (m *Manager) AverageServiceTime() time.Duration { return m.snap.Load().avg }

// Sweep abandons waiting entries past MaxWait and forgets terminal entries past Retention.
// It returns the entries it abandoned.
func (m *Manager) Sweep(now time.Time) []Entry {
	var abandoned []Entry

	m.mu.Lock()
	if m.cfg.MaxWait > 0 {
		for _, e := range append([]*Entry(nil), m.waiting...) {
			if now.Sub(e.QueuedAt) >= m.cfg.MaxWait {
				m.abandonLocked(e)
				abandoned = append(abandoned, m.copyLocked(e))
			}
		}
	}
	forgotten := 0
	for id, e := range m.entries {
		if e.Status != StatusWaiting && now.Sub(e.UpdatedAt) >= m.cfg.Retention {
			delete(m.entries, id)
			forgotten++
		}
	}
	if len(abandoned) > 0 {
		m.publishLocked(nil)
	}
	m.mu.Unlock()

	for _, e := range abandoned {
		metrics.QueueTransitions.WithLabelValues(string(StatusAbandoned)).Inc()
		m.log.Info("queue.abandoned", "queue_id", e.QueueID, "visitor_id", e.VisitorID, "reason", "max_wait")
	}
	if forgotten > 0 {
		m.log.Debug("queue.swept", "forgotten", forgotten)
	}
	for _, e := range abandoned {
		m.notify(ChangeAbandoned, e)
	}
	return abandoned
}

func (m *Manager) abandonLocked(e *Entry) {
	for i, w := range m.waiting {
		if w == e {
			m.removeWaitingLocked(i)
			break
		}
	}
	delete(m.byVisitor, e.VisitorID)
	e.Status = StatusAbandoned
	e.UpdatedAt = m.now()
}

func (m *Manager) insertLocked(e *Entry) {
	i := sort.Search(len(m.waiting), func(i int) bool { return before(e, m.waiting[i]) })
	m.waiting = append(m.waiting, nil)
	copy(m.waiting[i+1:], m.waiting[i:])
	m.waiting[i] = e
	m.entries[e.QueueID] = e
	m.byVisitor[e.VisitorID] = e.QueueID
}

func (m *Manager) removeWaitingLocked(i int) {
	copy(m.waiting[i:], m.waiting[i+1:])
	m.waiting[len(m.waiting)-1] = nil
	m.waiting = m.waiting[:len(m.waiting)-1]
}

// publishLocked rebuilds the position snapshot and returns a copy of e (if non-nil).
func (m *Manager) publishLocked(e *Entry) Entry {
	rank := make(map[string]int, len(m.waiting))
	for i, w := range m.waiting {
		rank[w.QueueID] = i + 1
	}
	m.snap.Store(&snapshot{rank: rank, total: len(m.waiting), avg: m.avg})
	metrics.QueueWaiting.Set(float64(len(m.waiting)))

	if e == nil {
		return Entry{}
	}
	return m.copyLocked(e)
}

func (m *Manager) copyLocked(e *Entry) Entry {
	out := *e
	out.Tags = append([]string(nil), e.Tags...)
	if e.Status == StatusWaiting {
		for i, w := range m.waiting {
			if w == e {
				out.EstimatedWait = m.avg * time.Duration(i+1)
				break
			}
		}
	} else {
		out.EstimatedWait = 0
	}
	return out
}

// before orders by priority desc, queuedAt asc, then insertion order.
func before(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.seq < b.seq
}

func matches(tags []string, caps map[string]struct{}) bool {
	for _, t := range tags {
		if _, ok := caps[t]; !ok {
			return false
		}
	}
	return true
}

func normalizeTags(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
