// Package transfer moves a live chat from one operator to another with the target's consent.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/metrics"
	"livedesk/cmd/internal/retry"
)

// Status is the transfer lifecycle state.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCompleted Status = "COMPLETED"
)

// Transfer is a request to hand a chat to another operator.
type Transfer struct {
	ID             string     `json:"transferId"`
	FromOperatorID string     `json:"fromOperatorId"`
	ToOperatorID   string     `json:"toOperatorId"`
	ChatID         string     `json:"chatId"`
	VisitorID      string     `json:"visitorId"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	Note           string     `json:"note,omitempty"`
	RequestedAt    time.Time  `json:"requestedAt"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Change is delivered to listeners after a transfer changes state.
type Change struct {
	Transfer Transfer
}

// Listener observes transfer changes outside the coordinator lock.
type Listener func(Change)

// Assignments is the slice of the assignment engine the coordinator needs.
type Assignments interface {
	ActiveForChat(chatID string) (assignment.Assignment, bool)
	HasCapacity(ctx context.Context, operatorID string) (bool, error)
	Handoff(ctx context.Context, assignmentID, fromOperatorID, toOperatorID, transferID string) (assignment.Assignment, assignment.Assignment, error)
}

// Presence answers whether a user is online.
type Presence interface {
	IsOnline(userID string) bool
}

// Rooms moves live room membership and posts system messages.
type Rooms interface {
	MoveOperator(ctx context.Context, chatID, fromOperatorID, toOperatorID string) error
	PostSystemMessage(ctx context.Context, chatID, text string) error
}

// DefaultResponseTimeout is how long a target has to answer.
const DefaultResponseTimeout = 60 * time.Second

// Deps wires the coordinator. Store and Writer are optional.
type Deps struct {
	Log         *slog.Logger
	Assignments Assignments
	Presence    Presence
	Rooms       Rooms
	Store       Store
	Writer      *retry.Writer
	Now         func() time.Time
}

// Coordinator owns transfer state.
type Coordinator struct {
	log     *slog.Logger
	deps    Deps
	timeout time.Duration
	now     func() time.Time

	mu            sync.Mutex
	byID          map[string]*Transfer
	pendingByChat map[string]string
	timers        map[string]*time.Timer
	closed        bool

	lmu       sync.RWMutex
	listeners []Listener
}

// NewCoordinator constructs a Coordinator. A non-positive timeout uses DefaultResponseTimeout.
func NewCoordinator(timeout time.Duration, deps Deps) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		log:           deps.Log,
		deps:          deps,
		timeout:       timeout,
		now:           now,
		byID:          make(map[string]*Transfer),
		pendingByChat: make(map[string]string),
		timers:        make(map[string]*time.Timer),
	}
}

// Subscribe registers a listener.
func (c *Coordinator) Subscribe(l Listener) {
	if l == nil {
		return
	}
	c.lmu.Lock()
	c.listeners = append(c.listeners, l)
	c.lmu.Unlock()
}

// Request asks toOperatorID to take over chatID from its active assignee.
func (c *Coordinator) Request(ctx context.Context, chatID, fromOperatorID, toOperatorID, reason string) (Transfer, error) {
	const op = "transfer.Request"

	chatID = strings.TrimSpace(chatID)
	fromOperatorID = strings.TrimSpace(fromOperatorID)
	toOperatorID = strings.TrimSpace(toOperatorID)
	switch {
	case chatID == "" || fromOperatorID == "" || toOperatorID == "":
		return Transfer{}, apperr.E(op, apperr.ErrInvalidInput, "chatId, fromOperatorId and toOperatorId are required")
	case fromOperatorID == toOperatorID:
		return Transfer{}, apperr.E(op, apperr.ErrInvalidInput, "cannot transfer to yourself")
	}

	a, ok := c.deps.Assignments.ActiveForChat(chatID)
	if !ok || a.Status != assignment.StatusActive || a.OperatorID != fromOperatorID {
		return Transfer{}, apperr.E(op, apperr.ErrNotActiveAssignee, "requester is not the active assignee")
	}
	if c.deps.Presence != nil && !c.deps.Presence.IsOnline(toOperatorID) {
		return Transfer{}, apperr.E(op, apperr.ErrTargetOffline, "target operator is offline")
	}
	has, err := c.deps.Assignments.HasCapacity(ctx, toOperatorID)
	if err != nil {
		return Transfer{}, err
	}
	if !has {
		return Transfer{}, apperr.E(op, apperr.ErrTargetAtCapacity, "target operator at capacity")
	}

	now := c.now()
	t := &Transfer{
		ID:             ids.MustULID(now),
		FromOperatorID: fromOperatorID,
		ToOperatorID:   toOperatorID,
		ChatID:         chatID,
		VisitorID:      a.VisitorID,
		Status:         StatusRequested,
		Reason:         strings.TrimSpace(reason),
		RequestedAt:    now,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Transfer{}, apperr.E(op, apperr.ErrUnavailable, "coordinator closed")
	}
	if existing, dup := c.pendingByChat[chatID]; dup {
		c.mu.Unlock()
		return Transfer{}, apperr.Ef(op, apperr.ErrTransferAlreadyPending, "transfer %s is pending", existing)
	}
	c.byID[t.ID] = t
	c.pendingByChat[chatID] = t.ID
	c.armLocked(t.ID, c.timeout)
	out := *t
	c.mu.Unlock()

	c.commit(out)
	return out, nil
}

// Respond records the target's answer. Accepting hands the chat over: the assignment switches
// operators atomically, the room membership follows and a system message is posted.
func (c *Coordinator) Respond(ctx context.Context, transferID, responderID string, accepted bool, note string) (Transfer, error) {
	const op = "transfer.Respond"
	note = strings.TrimSpace(note)

	c.mu.Lock()
	t, ok := c.byID[transferID]
	switch {
	case !ok:
		c.mu.Unlock()
		return Transfer{}, apperr.E(op, apperr.ErrNotFound, "transfer not found")
	case t.ToOperatorID != responderID:
		c.mu.Unlock()
		return Transfer{}, apperr.E(op, apperr.ErrNotOwner, "only the target operator may respond")
	case t.Status != StatusRequested:
		c.mu.Unlock()
		return Transfer{}, apperr.Ef(op, apperr.ErrNotPending, "transfer is %s", t.Status)
	}

	now := c.now()
	t.RespondedAt = &now
	t.Note = note
	c.disarmLocked(t.ID)

	if !accepted {
		t.Status = StatusRejected
		delete(c.pendingByChat, t.ChatID)
		out := *t
		c.mu.Unlock()
		c.commit(out)
		return out, nil
	}

	// ACCEPTED keeps the chat's pending slot until the handoff settles.
	t.Status = StatusAccepted
	snapshot := *t
	c.mu.Unlock()
	c.commit(snapshot)

	cur, ok := c.deps.Assignments.ActiveForChat(snapshot.ChatID)
	if !ok {
		err := apperr.E(op, apperr.ErrNotActiveAssignee, "chat has no active assignment")
		return c.fail(snapshot.ID, err), err
	}
	if _, _, err := c.deps.Assignments.Handoff(ctx, cur.ID, snapshot.FromOperatorID, snapshot.ToOperatorID, snapshot.ID); err != nil {
		return c.fail(snapshot.ID, err), err
	}

	if c.deps.Rooms != nil {
		if err := c.deps.Rooms.MoveOperator(ctx, snapshot.ChatID, snapshot.FromOperatorID, snapshot.ToOperatorID); err != nil {
			c.log.Warn("transfer.move_room_failed", "transfer_id", snapshot.ID, "chat_id", snapshot.ChatID, "err", err)
		}
		text := fmt.Sprintf("Chat transferred from %s to %s", snapshot.FromOperatorID, snapshot.ToOperatorID)
		if snapshot.Reason != "" {
			text += ": " + snapshot.Reason
		}
		err := retry.Do(ctx, systemMessagePolicy, func(ctx context.Context) error {
			err := c.deps.Rooms.PostSystemMessage(ctx, snapshot.ChatID, text)
			if err != nil && apperr.Known(err) && !apperr.Is(err, apperr.ErrUnavailable) {
				return retry.Permanent{Err: err}
			}
			return err
		})
		if err != nil {
			c.log.Error("transfer.system_message_failed", "transfer_id", snapshot.ID, "chat_id", snapshot.ChatID, "err", err)
		}
	}

	c.mu.Lock()
	done := c.now()
	t.Status = StatusCompleted
	t.CompletedAt = &done
	delete(c.pendingByChat, t.ChatID)
	out := *t
	c.mu.Unlock()

	c.commit(out)
	return out, nil
}

// The handoff is already committed when the announcement is posted, so a transient store error
// is retried instead of failing the transfer.
var systemMessagePolicy = retry.Policy{Attempts: 4, Base: 50 * time.Millisecond, Max: time.Second}

// fail marks an accepted transfer REJECTED after a failed handoff, with the failure as note.
func (c *Coordinator) fail(id string, cause error) Transfer {
	c.mu.Lock()
	t := c.byID[id]
	t.Status = StatusRejected
	t.Note = apperr.Message(cause)
	delete(c.pendingByChat, t.ChatID)
	out := *t
	c.mu.Unlock()

	c.log.Warn("transfer.handoff_failed", "transfer_id", id, "code", apperr.Code(cause), "err", cause)
	c.commit(out)
	return out
}

func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	t, ok := c.byID[id]
	if !ok || t.Status != StatusRequested {
		c.mu.Unlock()
		return
	}
	now := c.now()
	t.Status = StatusRejected
	t.Note = "timeout"
	t.RespondedAt = &now
	delete(c.pendingByChat, t.ChatID)
	delete(c.timers, id)
	out := *t
	c.mu.Unlock()

	c.log.Info("transfer.timeout", "transfer_id", id, "chat_id", out.ChatID)
	c.commit(out)
}

func (c *Coordinator) armLocked(id string, d time.Duration) {
	c.disarmLocked(id)
	if d < 0 {
		d = 0
	}
	c.timers[id] = time.AfterFunc(d, func() { c.expire(id) })
}

func (c *Coordinator) disarmLocked(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) commit(t Transfer) {
	switch t.Status {
	case StatusRejected, StatusCompleted:
		metrics.TransferOutcomes.WithLabelValues(string(t.Status)).Inc()
	}
	c.log.Info("transfer.updated",
		"transfer_id", t.ID,
		"chat_id", t.ChatID,
		"from", t.FromOperatorID,
		"to", t.ToOperatorID,
		"status", t.Status,
	)

	if c.deps.Store != nil && c.deps.Writer != nil {
		saved := t
		if err := c.deps.Writer.Submit(retry.Job{
			Name: "transfer.save",
			Run:  func(ctx context.Context) error { return c.deps.Store.Save(ctx, saved) },
		}); err != nil {
			c.log.Error("transfer.persist_dropped", "transfer_id", t.ID, "err", err)
		}
	}

	c.lmu.RLock()
	ls := append([]Listener(nil), c.listeners...)
	c.lmu.RUnlock()
	for _, l := range ls {
		l(Change{Transfer: t})
	}
}

// Get returns a transfer by id.
func (c *Coordinator) Get(id string) (Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byID[id]
	if !ok {
		return Transfer{}, apperr.E("transfer.Get", apperr.ErrNotFound, "transfer not found")
	}
	return *t, nil
}

// ListPending returns transfers awaiting operatorID's answer, oldest first.
func (c *Coordinator) ListPending(operatorID string) []Transfer {
	c.mu.Lock()
	var out []Transfer
	for _, t := range c.byID {
		if t.Status == StatusRequested && t.ToOperatorID == operatorID {
			out = append(out, *t)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Restore reloads REQUESTED transfers from the store and re-arms their timeouts.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.deps.Store == nil {
		return 0, nil
	}
	rows, err := c.deps.Store.ListRequested(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now()
	c.mu.Lock()
	n := 0
	for i := range rows {
		t := rows[i]
		if _, dup := c.pendingByChat[t.ChatID]; dup {
			continue
		}
		c.byID[t.ID] = &t
		c.pendingByChat[t.ChatID] = t.ID
		c.armLocked(t.ID, t.RequestedAt.Add(c.timeout).Sub(now))
		n++
	}
	c.mu.Unlock()

	c.log.Info("transfer.restored", "count", n)
	return n, nil
}

// Close stops pending timeouts.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
}
