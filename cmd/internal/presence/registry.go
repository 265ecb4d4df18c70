// Package presence tracks which operators and visitors hold live connections.
//
// Connections are coalesced per user: the first connection announces the user online, and the
// last disconnect announces offline only after a grace period so page reloads and short network
// drops do not flap presence.
package presence

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/metrics"
)

// Role is the user's role in a conversation.
type Role string

const (
	RoleOperator Role = "operator"
	RoleVisitor  Role = "visitor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleOperator || r == RoleVisitor }

// DefaultGrace is the offline debounce used when none is configured.
const DefaultGrace = 5 * time.Second

// Entry is one live connection.
type Entry struct {
	ConnectionID string
	UserID       string
	Role         Role
	IsOnline     bool
	ConnectedAt  time.Time
	LastSeenAt   time.Time
}

// Change is emitted when a user's coalesced online state flips.
type Change struct {
	UserID string
	Role   Role
	Online bool
	At     time.Time
}

// Listener receives presence changes. It runs outside the registry lock and must not block for long.
type Listener func(Change)

type userState struct {
	role      Role
	conns     map[string]struct{}
	announced bool

	offline *time.Timer
	gen     uint64
}

// Registry is the in-process presence table.
type Registry struct {
	log   *slog.Logger
	grace time.Duration
	now   func() time.Time

	mu     sync.Mutex
	conns  map[string]*Entry
	users  map[string]*userState
	closed bool

	lmu       sync.RWMutex
	listeners []Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithGrace overrides the offline grace period. Zero announces offline immediately.
func WithGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs a Registry.
func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:   log,
		grace: DefaultGrace,
		now:   func() time.Time { return time.Now().UTC() },
		conns: make(map[string]*Entry),
		users: make(map[string]*userState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Subscribe registers a listener for presence changes.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.lmu.Lock()
	r.listeners = append(r.listeners, l)
	r.lmu.Unlock()
}

// Connect records a new connection for an authenticated user and returns its id.
func (r *Registry) Connect(userID string, role Role) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperr.E("presence.Connect", apperr.ErrUnauthenticated, "missing principal")
	}
	if !role.Valid() {
		return "", apperr.Ef("presence.Connect", apperr.ErrInvalidInput, "unknown role %q", role)
	}

	now := r.now()
	connID := ids.MustULID(now)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", apperr.E("presence.Connect", apperr.ErrUnavailable, "registry closed")
	}

	r.conns[connID] = &Entry{
		ConnectionID: connID,
		UserID:       userID,
		Role:         role,
		IsOnline:     true,
		ConnectedAt:  now,
		LastSeenAt:   now,
	}

	st := r.users[userID]
	if st == nil {
		st = &userState{role: role, conns: make(map[string]struct{})}
		r.users[userID] = st
	}
	st.conns[connID] = struct{}{}

	if st.offline != nil {
		st.offline.Stop()
		st.offline = nil
		st.gen++
	}

	var change *Change
	if !st.announced {
		st.announced = true
		change = &Change{UserID: userID, Role: st.role, Online: true, At: now}
	}
	r.mu.Unlock()

	metrics.WSConnections.WithLabelValues(string(role)).Inc()
	if change != nil {
		metrics.OnlineUsers.WithLabelValues(string(change.Role)).Inc()
		r.log.Info("presence.online", "user_id", userID, "role", role)
		r.emit(*change)
	}
	return connID, nil
}

// Disconnect removes a connection. Unknown ids are ignored.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	st := r.users[e.UserID]
	var change *Change
	if st != nil {
		delete(st.conns, connID)
		if len(st.conns) == 0 && st.announced {
			if r.grace <= 0 || r.closed {
				st.announced = false
				delete(r.users, e.UserID)
				change = &Change{UserID: e.UserID, Role: st.role, Online: false, At: r.now()}
			} else {
				st.gen++
				gen := st.gen
				userID := e.UserID
				st.offline = time.AfterFunc(r.grace, func() { r.expire(userID, gen) })
			}
		}
	}
	r.mu.Unlock()

	metrics.WSConnections.WithLabelValues(string(e.Role)).Dec()
	if change != nil {
		r.announceOffline(*change)
	}
}

// expire fires after the grace period. It loses to any reconnect via the generation check.
func (r *Registry) expire(userID string, gen uint64) {
	r.mu.Lock()
	st := r.users[userID]
	if st == nil || st.gen != gen || len(st.conns) > 0 || !st.announced {
		r.mu.Unlock()
		return
	}
	st.announced = false
	st.offline = nil
	delete(r.users, userID)
	change := Change{UserID: userID, Role: st.role, Online: false, At: r.now()}
	r.mu.Unlock()

	r.announceOffline(change)
}

func (r *Registry) announceOffline(c Change) {
	metrics.OnlineUsers.WithLabelValues(string(c.Role)).Dec()
	r.log.Info("presence.offline", "user_id", c.UserID, "role", c.Role)
	r.emit(c)
}

func (r *Registry) emit(c Change) {
	r.lmu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.lmu.RUnlock()

	for _, l := range ls {
		l(c)
	}
}

// Touch refreshes LastSeenAt for a connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.LastSeenAt = r.now()
	}
	r.mu.Unlock()
}

// Get returns a copy of the connection entry.
func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsOnline reports whether the user is announced online. Users inside the grace window still count.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.users[userID]
	return st != nil && st.announced
}

// Connections returns the live connection ids of a user, sorted.
func (r *Registry) Connections(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.users[userID]
	if st == nil {
		return nil
	}
	out := make([]string, 0, len(st.conns))
	for id := range st.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ListOnlineOperators returns online operator ids accepted by filter (nil accepts all), sorted.
func (r *Registry) ListOnlineOperators(filter func(userID string) bool) []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.users))
	for id, st := range r.users {
		if st.announced && st.role == RoleOperator {
			out = append(out, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(out)
	if filter == nil {
		return out
	}
	kept := out[:0]
	for _, id := range out {
		if filter(id) {
			kept = append(kept, id)
		}
	}
	return kept
}

// Close stops pending offline timers and refuses new connections.
// Users still inside a grace window are announced offline immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var changes []Change
	for id, st := range r.users {
		if st.offline != nil {
			st.offline.Stop()
			st.offline = nil
			st.gen++
			if len(st.conns) == 0 && st.announced {
				st.announced = false
				delete(r.users, id)
				changes = append(changes, Change{UserID: id, Role: st.role, Online: false, At: r.now()})
			}
		}
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.announceOffline(c)
	}
}

// Online returns every announced user with its role, sorted by user id.
func (r *Registry) Online() []Change {
	now := r.now()
	r.mu.Lock()
	out := make([]Change, 0, len(r.users))
	for id, st := range r.users {
		if st.announced {
			out = append(out, Change{UserID: id, Role: st.role, Online: true, At: now})
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
