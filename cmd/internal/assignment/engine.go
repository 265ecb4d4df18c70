package assignment

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/directory"
	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/keylock"
	"livedesk/cmd/internal/metrics"
	"livedesk/cmd/internal/queue"
	"livedesk/cmd/internal/retry"
)

// Presence answers whether a user currently holds a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Directory resolves operator capacity and capabilities.
type Directory interface {
	GetOperator(ctx context.Context, userID string) (directory.Operator, error)
}

// Queue receives visitors whose queue-sourced assignment was cancelled, and service times of
// completed conversations.
type Queue interface {
	Requeue(e queue.Entry) (queue.Entry, error)
	RecordServiceTime(d time.Duration)
}

// Listener observes committed transitions. It runs outside every engine lock.
type Listener func(Change)

// Config holds the engine timeouts.
type Config struct {
	AcceptTimeout time.Duration
	StartTimeout  time.Duration
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{AcceptTimeout: 30 * time.Second, StartTimeout: 2 * time.Minute}
}

// Deps wires the engine to its collaborators. Store, Writer and Queue are optional.
type Deps struct {
	Log       *slog.Logger
	Presence  Presence
	Directory Directory
	Queue     Queue
	Store     Store
	Writer    *retry.Writer
	Now       func() time.Time
}

// Engine owns the assignment table.
//
// Mutations take the per-chat and per-operator key locks (chat first, then operators in key
// order) for the whole check-and-commit. mu only guards the maps themselves, so readers never wait
// on a key lock. No lock is held while calling the directory, the store, or listeners.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	deps  Deps
	now   func() time.Time
	locks *keylock.Locker

	mu         sync.RWMutex
	byID       map[string]*Assignment
	openByChat map[string]string
	openByOp   map[string]map[string]struct{}
	timers     map[string]*time.Timer
	closed     bool

	lmu       sync.RWMutex
	listeners []Listener
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	d := DefaultConfig()
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = d.AcceptTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = d.StartTimeout
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		log:        deps.Log,
		cfg:        cfg,
		deps:       deps,
		now:        now,
		locks:      keylock.New(),
		byID:       make(map[string]*Assignment),
		openByChat: make(map[string]string),
		openByOp:   make(map[string]map[string]struct{}),
		timers:     make(map[string]*time.Timer),
	}
}

// Subscribe registers a listener for committed transitions.
func (e *Engine) Subscribe(l Listener) {
	if l == nil {
		return
	}
	e.lmu.Lock()
	e.listeners = append(e.listeners, l)
	e.lmu.Unlock()
}

func chatKey(id string) string { return "chat:" + id }
func opKey(id string) string   { return "op:" + id }

// Create assigns operatorID to chatID in PENDING state.
func (e *Engine) Create(ctx context.Context, operatorID, visitorID, chatID string, src Source) (Assignment, error) {
	const op = "assignment.Create"

	operatorID = strings.TrimSpace(operatorID)
	visitorID = strings.TrimSpace(visitorID)
	chatID = strings.TrimSpace(chatID)
	if operatorID == "" || visitorID == "" || chatID == "" {
		return Assignment{}, e.reject(op, apperr.E(op, apperr.ErrInvalidInput, "operatorId, visitorId and chatId are required"))
	}
	if src == nil {
		src = DirectSource{}
	}

	oper, err := e.deps.Directory.GetOperator(ctx, operatorID)
	if err != nil {
		return Assignment{}, e.reject(op, err)
	}
	if e.deps.Presence != nil && !e.deps.Presence.IsOnline(operatorID) {
		return Assignment{}, e.reject(op, apperr.E(op, apperr.ErrTargetOffline, "operator is not online"))
	}

	unlock := e.locks.LockAll(chatKey(chatID), opKey(operatorID))

	e.mu.RLock()
	closed := e.closed
	existing, taken := e.openByChat[chatID]
	load := len(e.openByOp[operatorID])
	e.mu.RUnlock()

	switch {
	case closed:
		unlock()
		return Assignment{}, apperr.E(op, apperr.ErrUnavailable, "engine closed")
	case taken:
		unlock()
		return Assignment{}, e.reject(op, apperr.Ef(op, apperr.ErrChatAlreadyAssigned, "chat already has assignment %s", existing))
	case load >= oper.Capacity:
		unlock()
		return Assignment{}, e.reject(op, apperr.Ef(op, apperr.ErrOperatorAtCapacity, "operator at capacity (%d)", oper.Capacity))
	}

	now := e.now()
	a := &Assignment{
		ID:         ids.MustULID(now),
		OperatorID: operatorID,
		VisitorID:  visitorID,
		ChatID:     chatID,
		Status:     StatusPending,
		Source:     src,
		AssignedAt: now,
	}

	e.mu.Lock()
	e.insertLocked(a)
	e.armLocked(a.ID, e.cfg.AcceptTimeout, StatusPending, ReasonAcceptTimeout)
	out := clone(a)
	e.mu.Unlock()
	unlock()

	e.commit(ChangeCreated, out)
	return out, nil
}

// Accept moves a PENDING assignment to ACCEPTED. Only the assigned operator may accept.
func (e *Engine) Accept(ctx context.Context, id, operatorID string) (Assignment, error) {
	const op = "assignment.Accept"
	return e.transition(op, id, func(a *Assignment) error {
		if a.OperatorID != operatorID {
			return apperr.E(op, apperr.ErrNotOwner, "assignment belongs to another operator")
		}
		if a.Status != StatusPending {
			return apperr.Ef(op, apperr.ErrNotPending, "assignment is %s", a.Status)
		}
		now := e.now()
		a.Status = StatusAccepted
		a.AcceptedAt = timePtr(now)
		e.armLocked(a.ID, e.cfg.StartTimeout, StatusAccepted, ReasonStartTimeout)
		return nil
	}, ChangeAccepted)
}

// Start moves an ACCEPTED assignment to ACTIVE. The broker calls it when the operator joins the
// room; it may also be called explicitly.
func (e *Engine) Start(ctx context.Context, id, operatorID string) (Assignment, error) {
	const op = "assignment.Start"
	return e.transition(op, id, func(a *Assignment) error {
		if a.OperatorID != operatorID {
			return apperr.E(op, apperr.ErrNotOwner, "assignment belongs to another operator")
		}
		if a.Status != StatusAccepted {
			return apperr.Ef(op, apperr.ErrNotPending, "assignment is %s, want ACCEPTED", a.Status)
		}
		a.Status = StatusActive
		a.StartedAt = timePtr(e.now())
		e.disarmLocked(a.ID)
		return nil
	}, ChangeStarted)
}

// Complete finishes an ACTIVE assignment.
func (e *Engine) Complete(ctx context.Context, id, reason string) (Assignment, error) {
	const op = "assignment.Complete"
	out, err := e.transition(op, id, func(a *Assignment) error {
		if a.Status != StatusActive {
			return apperr.Ef(op, apperr.ErrNotActive, "assignment is %s", a.Status)
		}
		e.finishLocked(a, StatusCompleted, reason)
		return nil
	}, ChangeCompleted)
	if err == nil && e.deps.Queue != nil && out.StartedAt != nil && out.CompletedAt != nil {
		e.deps.Queue.RecordServiceTime(out.CompletedAt.Sub(*out.StartedAt))
	}
	return out, err
}

// Cancel ends a PENDING or ACCEPTED assignment. Queue-sourced assignments put the visitor back in
// line when the visitor is still online.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (Assignment, error) {
	const op = "assignment.Cancel"
	out, err := e.transition(op, id, func(a *Assignment) error {
		if a.Status != StatusPending && a.Status != StatusAccepted {
			return apperr.Ef(op, apperr.ErrNotPending, "assignment is %s", a.Status)
		}
		e.finishLocked(a, StatusCancelled, reason)
		return nil
	}, ChangeCancelled)
	if err == nil {
		e.requeue(out)
	}
	return out, err
}

// Handoff completes the ACTIVE assignment held by fromOperatorID with reason "transferred" and
// creates an ACTIVE transfer-sourced assignment for toOperatorID, in one critical section.
func (e *Engine) Handoff(ctx context.Context, assignmentID, fromOperatorID, toOperatorID, transferID string) (Assignment, Assignment, error) {
	const op = "assignment.Handoff"

	if fromOperatorID == toOperatorID {
		return Assignment{}, Assignment{}, apperr.E(op, apperr.ErrInvalidInput, "cannot hand off to the same operator")
	}
	target, err := e.deps.Directory.GetOperator(ctx, toOperatorID)
	if err != nil {
		return Assignment{}, Assignment{}, err
	}

	e.mu.RLock()
	cur, ok := e.byID[assignmentID]
	var chatID string
	if ok {
		chatID = cur.ChatID
	}
	e.mu.RUnlock()
	if !ok {
		return Assignment{}, Assignment{}, apperr.E(op, apperr.ErrNotFound, "assignment not found")
	}

	unlock := e.locks.LockAll(chatKey(chatID), opKey(fromOperatorID), opKey(toOperatorID))

	e.mu.Lock()
	cur = e.byID[assignmentID]
	switch {
	case cur.Status != StatusActive || cur.OperatorID != fromOperatorID:
		e.mu.Unlock()
		unlock()
		return Assignment{}, Assignment{}, apperr.E(op, apperr.ErrNotActiveAssignee, "requester is not the active assignee")
	case e.deps.Presence != nil && !e.deps.Presence.IsOnline(toOperatorID):
		e.mu.Unlock()
		unlock()
		return Assignment{}, Assignment{}, apperr.E(op, apperr.ErrTargetOffline, "target operator is offline")
	case len(e.openByOp[toOperatorID]) >= target.Capacity:
		e.mu.Unlock()
		unlock()
		return Assignment{}, Assignment{}, apperr.E(op, apperr.ErrTargetAtCapacity, "target operator at capacity")
	}

	now := e.now()
	e.finishLocked(cur, StatusCompleted, ReasonTransferred)
	next := &Assignment{
		ID:         ids.MustULID(now),
		OperatorID: toOperatorID,
		VisitorID:  cur.VisitorID,
		ChatID:     cur.ChatID,
		Status:     StatusActive,
		Source:     TransferSource{TransferID: transferID, FromOperatorID: fromOperatorID},
		AssignedAt: now,
		AcceptedAt: timePtr(now),
		StartedAt:  timePtr(now),
	}
	e.insertLocked(next)
	prev := clone(cur)
	out := clone(next)
	e.mu.Unlock()
	unlock()

	e.commit(ChangeCompleted, prev)
	e.commit(ChangeCreated, out)
	return prev, out, nil
}

// transition applies fn to one assignment under its chat and operator locks.
func (e *Engine) transition(op, id string, fn func(a *Assignment) error, kind ChangeKind) (Assignment, error) {
	e.mu.RLock()
	a, ok := e.byID[id]
	var chatID, operatorID string
	if ok {
		chatID, operatorID = a.ChatID, a.OperatorID
	}
	e.mu.RUnlock()
	if !ok {
		return Assignment{}, apperr.E(op, apperr.ErrNotFound, "assignment not found")
	}

	unlock := e.locks.LockAll(chatKey(chatID), opKey(operatorID))
	e.mu.Lock()
	if err := fn(a); err != nil {
		e.mu.Unlock()
		unlock()
		return Assignment{}, err
	}
	out := clone(a)
	e.mu.Unlock()
	unlock()

	e.commit(kind, out)
	return out, nil
}

// expire runs when a timer fires. It only acts if the assignment is still in the awaited state.
func (e *Engine) expire(id string, want Status, reason string) {
	out, err := e.transition("assignment.expire", id, func(a *Assignment) error {
		if a.Status != want {
			return apperr.E("assignment.expire", apperr.ErrNotPending, "state moved on")
		}
		e.finishLocked(a, StatusCancelled, reason)
		return nil
	}, ChangeCancelled)
	if err != nil {
		return
	}
	e.log.Info("assignment.timeout", "assignment_id", id, "reason", reason)
	e.requeue(out)
}

func (e *Engine) requeue(a Assignment) {
	qs, ok := a.Source.(QueueSource)
	if !ok || e.deps.Queue == nil {
		return
	}
	if e.deps.Presence != nil && !e.deps.Presence.IsOnline(a.VisitorID) {
		return
	}
	_, err := e.deps.Queue.Requeue(queue.Entry{
		QueueID:   qs.QueueID,
		VisitorID: a.VisitorID,
		ChatID:    a.ChatID,
		Priority:  qs.Priority,
		QueuedAt:  qs.QueuedAt,
		Tags:      qs.Tags,
		Status:    queue.StatusAssigned,
	})
	if err != nil {
		e.log.Warn("assignment.requeue_failed", "assignment_id", a.ID, "visitor_id", a.VisitorID, "err", err)
		return
	}
	e.log.Info("assignment.requeued", "assignment_id", a.ID, "queue_id", qs.QueueID)
}

func (e *Engine) insertLocked(a *Assignment) {
	e.byID[a.ID] = a
	if a.Status.Terminal() {
		return
	}
	e.openByChat[a.ChatID] = a.ID
	set := e.openByOp[a.OperatorID]
	if set == nil {
		set = make(map[string]struct{})
		e.openByOp[a.OperatorID] = set
	}
	set[a.ID] = struct{}{}
}

func (e *Engine) finishLocked(a *Assignment, status Status, reason string) {
	a.Status = status
	a.Reason = reason
	a.CompletedAt = timePtr(e.now())
	e.disarmLocked(a.ID)

	if e.openByChat[a.ChatID] == a.ID {
		delete(e.openByChat, a.ChatID)
	}
	if set := e.openByOp[a.OperatorID]; set != nil {
		delete(set, a.ID)
		if len(set) == 0 {
			delete(e.openByOp, a.OperatorID)
		}
	}
}

func (e *Engine) armLocked(id string, d time.Duration, want Status, reason string) {
	e.disarmLocked(id)
	if e.closed {
		return
	}
	if d < 0 {
		d = 0
	}
	e.timers[id] = time.AfterFunc(d, func() { e.expire(id, want, reason) })
}

func (e *Engine) disarmLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) reject(op string, err error) error {
	metrics.AssignmentRejections.WithLabelValues(apperr.Code(err)).Inc()
	e.log.Debug("assignment.rejected", "op", op, "code", apperr.Code(err), "err", err)
	return err
}

// commit persists the new state asynchronously and notifies listeners.
func (e *Engine) commit(kind ChangeKind, a Assignment) {
	metrics.AssignmentTransitions.WithLabelValues(SourceKind(a.Source), string(a.Status)).Inc()
	e.log.Info("assignment."+string(kind),
		"assignment_id", a.ID,
		"operator_id", a.OperatorID,
		"chat_id", a.ChatID,
		"status", a.Status,
		"source", SourceKind(a.Source),
	)

	if e.deps.Store != nil && e.deps.Writer != nil {
		saved := a
		err := e.deps.Writer.Submit(retry.Job{
			Name: "assignment.save",
			Run:  func(ctx context.Context) error { return e.deps.Store.Save(ctx, saved) },
		})
		if err != nil {
			e.log.Error("assignment.persist_dropped", "assignment_id", a.ID, "err", err)
		}
	}

	e.lmu.RLock()
	ls := append([]Listener(nil), e.listeners...)
	e.lmu.RUnlock()
	for _, l := range ls {
		l(Change{Kind: kind, Assignment: a})
	}
}

// Get returns an assignment by id.
func (e *Engine) Get(id string) (Assignment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.byID[id]
	if !ok {
		return Assignment{}, apperr.E("assignment.Get", apperr.ErrNotFound, "assignment not found")
	}
	return clone(a), nil
}

// List returns assignments matching f ordered by AssignedAt.
func (e *Engine) List(f Filter) []Assignment {
	e.mu.RLock()
	out := make([]Assignment, 0)
	for _, a := range e.byID {
		if f.match(a) {
			out = append(out, clone(a))
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveForChat returns the chat's non-terminal assignment.
func (e *Engine) ActiveForChat(chatID string) (Assignment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.openByChat[chatID]
	if !ok {
		return Assignment{}, false
	}
	return clone(e.byID[id]), true
}

// Load returns the number of non-terminal assignments held by an operator.
func (e *Engine) Load(operatorID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.openByOp[operatorID])
}

// HasCapacity reports whether the operator can take another assignment.
func (e *Engine) HasCapacity(ctx context.Context, operatorID string) (bool, error) {
	oper, err := e.deps.Directory.GetOperator(ctx, operatorID)
	if err != nil {
		return false, err
	}
	return e.Load(operatorID) < oper.Capacity, nil
}

// IsParticipant reports whether userID is the operator or visitor of the chat's open assignment.
func (e *Engine) IsParticipant(userID, chatID string) bool {
	a, ok := e.ActiveForChat(chatID)
	if !ok {
		return false
	}
	return a.OperatorID == userID || a.VisitorID == userID
}

// Restore reloads non-terminal assignments from the store and re-arms their timers.
// Call once at startup before serving traffic.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.deps.Store == nil {
		return 0, nil
	}
	rows, err := e.deps.Store.ListOpen(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	e.mu.Lock()
	n := 0
	for i := range rows {
		a := rows[i]
		if _, dup := e.openByChat[a.ChatID]; dup {
			e.log.Warn("assignment.restore_conflict", "assignment_id", a.ID, "chat_id", a.ChatID)
			continue
		}
		ptr := &a
		e.insertLocked(ptr)
		switch a.Status {
		case StatusPending:
			e.armLocked(a.ID, a.AssignedAt.Add(e.cfg.AcceptTimeout).Sub(now), StatusPending, ReasonAcceptTimeout)
		case StatusAccepted:
			base := a.AssignedAt
			if a.AcceptedAt != nil {
				base = *a.AcceptedAt
			}
			e.armLocked(a.ID, base.Add(e.cfg.StartTimeout).Sub(now), StatusAccepted, ReasonStartTimeout)
		}
		n++
	}
	e.mu.Unlock()

	e.log.Info("assignment.restored", "count", n)
	return n, nil
}

// Close stops every pending timer. Assignments stay in memory.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
}
