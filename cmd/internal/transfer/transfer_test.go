package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/directory"
)

type onlineSet map[string]bool

func (o onlineSet) IsOnline(id string) bool { return o[id] }

type fakeRooms struct {
	mu     sync.Mutex
	moves  []string
	system []string

	// systemFailures makes the next N PostSystemMessage calls fail as a store outage.
	systemFailures int
	systemCalls    int
}

func (r *fakeRooms) MoveOperator(_ context.Context, chatID, from, to string) error {
	r.mu.Lock()
	r.moves = append(r.moves, chatID+":"+from+"->"+to)
	r.mu.Unlock()
	return nil
}

func (r *fakeRooms) PostSystemMessage(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemCalls++
	if r.systemFailures > 0 {
		r.systemFailures--
		return apperr.E("rooms.PostSystemMessage", apperr.ErrUnavailable, "message store unavailable")
	}
	r.system = append(r.system, chatID+":"+text)
	return nil
}

type fixture struct {
	engine *assignment.Engine
	coord  *Coordinator
	rooms  *fakeRooms
	active assignment.Assignment
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	online := onlineSet{"op-1": true, "op-2": true, "op-3": true, "v-1": true}
	dir := directory.NewMemoryStore(
		directory.Operator{UserID: "op-1", Capacity: 2},
		directory.Operator{UserID: "op-2", Capacity: 1},
		directory.Operator{UserID: "op-3", Capacity: 0},
	)

	eng := assignment.NewEngine(assignment.Config{}, assignment.Deps{Log: log, Presence: online, Directory: dir})
	t.Cleanup(eng.Close)

	ctx := context.Background()
	a, err := eng.Create(ctx, "op-1", "v-1", "chat-1", assignment.DirectSource{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.Accept(ctx, a.ID, "op-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if a, err = eng.Start(ctx, a.ID, "op-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	rooms := &fakeRooms{}
	coord := NewCoordinator(timeout, Deps{Log: log, Assignments: eng, Presence: online, Rooms: rooms})
	t.Cleanup(coord.Close)

	return &fixture{engine: eng, coord: coord, rooms: rooms, active: a}
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	tests := []struct {
		name     string
		chat     string
		from, to string
		want     error
	}{
		{"self transfer", "chat-1", "op-1", "op-1", apperr.ErrInvalidInput},
		{"not assignee", "chat-1", "op-2", "op-1", apperr.ErrNotActiveAssignee},
		{"unknown chat", "chat-x", "op-1", "op-2", apperr.ErrNotActiveAssignee},
		{"offline target", "chat-1", "op-1", "op-9", apperr.ErrTargetOffline},
		{"full target", "chat-1", "op-1", "op-3", apperr.ErrTargetAtCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.coord.Request(ctx, tt.chat, tt.from, tt.to, ""); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRequest_AlreadyPending(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	if _, err := f.coord.Request(ctx, "chat-1", "op-1", "op-2", "billing"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.coord.Request(ctx, "chat-1", "op-1", "op-2", "again"); !errors.Is(err, apperr.ErrTransferAlreadyPending) {
		t.Fatalf("expected ErrTransferAlreadyPending, got %v", err)
	}
	if got := f.coord.ListPending("op-2"); len(got) != 1 {
		t.Fatalf("expected one pending transfer for op-2, got %d", len(got))
	}
}

func TestRespond_AcceptHandsOver(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	tr, err := f.coord.Request(ctx, "chat-1", "op-1", "op-2", "billing")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.coord.Respond(ctx, tr.ID, "op-1", true, ""); !errors.Is(err, apperr.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	done, err := f.coord.Respond(ctx, tr.ID, "op-2", true, "on it")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected transfer: %+v", done)
	}

	old, _ := f.engine.Get(f.active.ID)
	if old.Status != assignment.StatusCompleted || old.Reason != assignment.ReasonTransferred {
		t.Fatalf("old assignment not completed: %+v", old)
	}
	cur, ok := f.engine.ActiveForChat("chat-1")
	if !ok || cur.OperatorID != "op-2" || cur.Status != assignment.StatusActive {
		t.Fatalf("new assignment missing: %+v", cur)
	}

	if len(f.rooms.moves) != 1 || f.rooms.moves[0] != "chat-1:op-1->op-2" {
		t.Fatalf("room move not issued: %v", f.rooms.moves)
	}
	if len(f.rooms.system) != 1 || !strings.Contains(f.rooms.system[0], "transferred") {
		t.Fatalf("system message not posted: %v", f.rooms.system)
	}

	if _, err := f.coord.Respond(ctx, tr.ID, "op-2", true, ""); !errors.Is(err, apperr.ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second response, got %v", err)
	}
	// A new transfer is allowed once the previous one settled.
	if _, err := f.coord.Request(ctx, "chat-1", "op-2", "op-1", ""); err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
}

func TestRespond_RejectLeavesAssignment(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Status
	f.coord.Subscribe(func(c Change) {
		mu.Lock()
		seen = append(seen, c.Transfer.Status)
		mu.Unlock()
	})

	tr, _ := f.coord.Request(ctx, "chat-1", "op-1", "op-2", "")
	got, err := f.coord.Respond(ctx, tr.ID, "op-2", false, "busy")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusRejected || got.Note != "busy" {
		t.Fatalf("unexpected transfer: %+v", got)
	}

	cur, _ := f.engine.ActiveForChat("chat-1")
	if cur.ID != f.active.ID || cur.OperatorID != "op-1" {
		t.Fatalf("original assignment must be untouched: %+v", cur)
	}
	if len(f.rooms.moves) != 0 {
		t.Fatalf("no room move expected on reject")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StatusRequested || seen[1] != StatusRejected {
		t.Fatalf("listener saw %v", seen)
	}
}

func TestResponseTimeout_AutoRejects(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()

	tr, err := f.coord.Request(ctx, "chat-1", "op-1", "op-2", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := f.coord.Get(tr.ID)
		if got.Status == StatusRejected {
			if got.Note != "timeout" {
				t.Fatalf("unexpected note %q", got.Note)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := f.coord.Respond(ctx, tr.ID, "op-2", true, ""); !errors.Is(err, apperr.ErrNotPending) {
		t.Fatalf("late response: expected ErrNotPending, got %v", err)
	}
}

// failingHandoff wraps the real engine and fails the handoff step.
type failingHandoff struct {
	*assignment.Engine
}

func (failingHandoff) Handoff(context.Context, string, string, string, string) (assignment.Assignment, assignment.Assignment, error) {
	return assignment.Assignment{}, assignment.Assignment{}, apperr.E("assignment.Handoff", apperr.ErrUnavailable, "store down")
}

func TestRespond_HandoffFailureIsAtomic(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(time.Minute, Deps{
		Log:         log,
		Assignments: failingHandoff{f.engine},
		Presence:    onlineSet{"op-2": true},
		Rooms:       f.rooms,
	})
	defer coord.Close()

	tr, err := coord.Request(ctx, "chat-1", "op-1", "op-2", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	got, err := coord.Respond(ctx, tr.ID, "op-2", true, "")
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected handoff error, got %v", err)
	}
	if got.Status != StatusRejected || got.Note != "store down" {
		t.Fatalf("failed transfer should be rejected with note: %+v", got)
	}

	cur, ok := f.engine.ActiveForChat("chat-1")
	if !ok || cur.ID != f.active.ID || cur.OperatorID != "op-1" || cur.Status != assignment.StatusActive {
		t.Fatalf("original assignment must remain active with op-1: %+v", cur)
	}
	if f.engine.Load("op-2") != 0 {
		t.Fatalf("target must not gain an assignment")
	}
	if len(f.rooms.moves) != 0 || len(f.rooms.system) != 0 {
		t.Fatalf("no room side effects expected on failure")
	}
}

func TestRespond_SystemMessageRetriedAfterStoreError(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.rooms.systemFailures = 1
	ctx := context.Background()

	tr, err := f.coord.Request(ctx, "chat-1", "op-1", "op-2", "billing")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	done, err := f.coord.Respond(ctx, tr.ID, "op-2", true, "")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}

	f.rooms.mu.Lock()
	defer f.rooms.mu.Unlock()
	if f.rooms.systemCalls != 2 {
		t.Fatalf("expected one retry, got %d calls", f.rooms.systemCalls)
	}
	if len(f.rooms.system) != 1 || !strings.Contains(f.rooms.system[0], "op-1 to op-2") {
		t.Fatalf("system message not posted after retry: %v", f.rooms.system)
	}
}
