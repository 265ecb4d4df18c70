package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/auth/session"
	"livedesk/cmd/internal/directory"
	"livedesk/cmd/internal/presence"
	"livedesk/cmd/internal/queue"
	"livedesk/cmd/internal/realtime"
	"livedesk/cmd/internal/transfer"
)

type apiHarness struct {
	srv    *httptest.Server
	tokens *session.Manager
	pres   *presence.Registry
	engine *assignment.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewManager(scfg)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	pres := presence.NewRegistry(log)
	dir := directory.NewMemoryStore(
		directory.Operator{UserID: "op-1", Capacity: 2},
		directory.Operator{UserID: "op-2", Capacity: 2},
	)
	q := queue.NewManager(log, queue.DefaultConfig())
	engine := assignment.NewEngine(assignment.DefaultConfig(), assignment.Deps{
		Log: log, Presence: pres, Directory: dir, Queue: q,
	})
	store := realtime.NewInMemoryStore()
	broker := realtime.NewBroker(realtime.BrokerDeps{Log: log, Store: store, Assignments: engine, Directory: dir})
	coord := transfer.NewCoordinator(0, transfer.Deps{Log: log, Assignments: engine, Presence: pres, Rooms: broker})

	h := NewHandler(Config{}, Deps{
		Log:           log,
		Auth:          tokens,
		Queue:         q,
		Assignments:   engine,
		Transfers:     coord,
		Presence:      pres,
		Chats:         broker,
		Conversations: store,
	})
	srv := httptest.NewServer(h.Routes())

	t.Cleanup(func() {
		srv.Close()
		coord.Close()
		engine.Close()
		broker.Close()
		pres.Close()
	})
	return &apiHarness{srv: srv, tokens: tokens, pres: pres, engine: engine}
}

func (h *apiHarness) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(userID, role, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (h *apiHarness) online(t *testing.T, operatorIDs ...string) {
	t.Helper()
	for _, id := range operatorIDs {
		if _, err := h.pres.Connect(id, presence.RoleOperator); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
	}
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	h := newAPIHarness(t)

	for _, tok := range []string{"", "v4.public.garbage"} {
		status, body := h.do(t, http.MethodGet, "/operators/online", tok, nil)
		if status != http.StatusUnauthorized || errCode(body) != "unauthenticated" {
			t.Fatalf("token %q: expected 401 unauthenticated, got %d %v", tok, status, body)
		}
	}
}

func TestAPI_QueueLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	v1tok := h.token(t, "v-1", session.RoleVisitor)
	v2tok := h.token(t, "v-2", session.RoleVisitor)
	optok := h.token(t, "op-1", session.RoleOperator)

	status, entry := h.do(t, http.MethodPost, "/queue", v1tok, map[string]any{"priority": 2, "tags": []string{"billing"}})
	if status != http.StatusCreated {
		t.Fatalf("enqueue: %d %v", status, entry)
	}
	queueID, _ := entry["queueId"].(string)
	if queueID == "" || entry["chatId"] == "" || entry["status"] != string(queue.StatusWaiting) {
		t.Fatalf("unexpected entry: %v", entry)
	}

	status, body := h.do(t, http.MethodPost, "/queue", v1tok, nil)
	if status != http.StatusConflict || errCode(body) != "already_queued" {
		t.Fatalf("second enqueue: expected 409 already_queued, got %d %v", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/queue", optok, nil)
	if status != http.StatusForbidden {
		t.Fatalf("operator enqueue: expected 403, got %d %v", status, body)
	}

	status, pos := h.do(t, http.MethodGet, "/queue/"+queueID, v1tok, nil)
	if status != http.StatusOK || pos["position"] != float64(1) || pos["totalInQueue"] != float64(1) {
		t.Fatalf("position: %d %v", status, pos)
	}

	status, _ = h.do(t, http.MethodGet, "/queue/"+queueID, v2tok, nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign visitor should not see the entry, got %d", status)
	}

	status, list := h.do(t, http.MethodGet, "/queue", optok, nil)
	if entries, _ := list["entries"].([]any); status != http.StatusOK || len(entries) != 1 {
		t.Fatalf("list: %d %v", status, list)
	}

	status, out := h.do(t, http.MethodDelete, "/queue/"+queueID, v1tok, nil)
	if status != http.StatusOK || out["status"] != string(queue.StatusAbandoned) {
		t.Fatalf("abandon: %d %v", status, out)
	}
	status, body = h.do(t, http.MethodDelete, "/queue/"+queueID, v1tok, nil)
	if status != http.StatusConflict || errCode(body) != "not_pending" {
		t.Fatalf("second abandon: expected 409 not_pending, got %d %v", status, body)
	}
}

func TestAPI_EnqueueRejectsForeignChat(t *testing.T) {
	h := newAPIHarness(t)
	status, _ := h.do(t, http.MethodPost, "/queue", h.token(t, "v-1", session.RoleVisitor), map[string]any{"chatId": "chat-1"})
	if status != http.StatusCreated {
		t.Fatalf("enqueue: %d", status)
	}
	status, body := h.do(t, http.MethodPost, "/queue", h.token(t, "v-2", session.RoleVisitor), map[string]any{"chatId": "chat-1"})
	if status != http.StatusForbidden || errCode(body) != "forbidden" {
		t.Fatalf("expected 403 forbidden, got %d %v", status, body)
	}
}

func TestAPI_AssignmentLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.online(t, "op-1", "op-2")
	op1 := h.token(t, "op-1", session.RoleOperator)
	op2 := h.token(t, "op-2", session.RoleOperator)
	vis := h.token(t, "v-1", session.RoleVisitor)

	status, a := h.do(t, http.MethodPost, "/assignments", op1, map[string]any{"visitorId": "v-1", "chatId": "chat-1"})
	if status != http.StatusCreated || a["status"] != string(assignment.StatusPending) || a["operatorId"] != "op-1" {
		t.Fatalf("create: %d %v", status, a)
	}
	id, _ := a["assignmentId"].(string)

	status, body := h.do(t, http.MethodPost, "/assignments", op2, map[string]any{"visitorId": "v-1", "chatId": "chat-1"})
	if status != http.StatusConflict || errCode(body) != "chat_already_assigned" {
		t.Fatalf("duplicate chat: expected 409 chat_already_assigned, got %d %v", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/assignments/"+id+"/accept", op2, nil)
	if status != http.StatusForbidden || errCode(body) != "not_owner" {
		t.Fatalf("accept by other operator: expected 403 not_owner, got %d %v", status, body)
	}

	steps := []struct {
		path string
		want assignment.Status
	}{
		{"/accept", assignment.StatusAccepted},
		{"/start", assignment.StatusActive},
	}
	for _, s := range steps {
		status, out := h.do(t, http.MethodPost, "/assignments/"+id+s.path, op1, nil)
		if status != http.StatusOK || out["status"] != string(s.want) {
			t.Fatalf("%s: %d %v", s.path, status, out)
		}
	}

	status, body = h.do(t, http.MethodPost, "/assignments/"+id+"/cancel", op1, nil)
	if status != http.StatusConflict || errCode(body) != "not_pending" {
		t.Fatalf("cancel active: expected 409 not_pending, got %d %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/assignments/"+id+"/complete", op2, nil)
	if status != http.StatusForbidden {
		t.Fatalf("complete by other operator: expected 403, got %d %v", status, body)
	}

	status, out := h.do(t, http.MethodGet, "/assignments/"+id, vis, nil)
	if status != http.StatusOK || out["assignmentId"] != id {
		t.Fatalf("visitor get: %d %v", status, out)
	}
	status, _ = h.do(t, http.MethodGet, "/assignments/"+id, h.token(t, "v-9", session.RoleVisitor), nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign visitor get: expected 404, got %d", status)
	}

	status, out = h.do(t, http.MethodPost, "/assignments/"+id+"/complete", op1, map[string]any{"reason": "resolved"})
	if status != http.StatusOK || out["status"] != string(assignment.StatusCompleted) {
		t.Fatalf("complete: %d %v", status, out)
	}

	status, list := h.do(t, http.MethodGet, "/assignments?operatorId=op-1&status=completed", op1, nil)
	if items, _ := list["assignments"].([]any); status != http.StatusOK || len(items) != 1 {
		t.Fatalf("list completed: %d %v", status, list)
	}
	status, body = h.do(t, http.MethodGet, "/assignments?status=bogus", op1, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad status filter: expected 400, got %d %v", status, body)
	}
}

func TestAPI_CreateRejectsOfflineOperator(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodPost, "/assignments", h.token(t, "op-1", session.RoleOperator),
		map[string]any{"visitorId": "v-1", "chatId": "chat-1"})
	if status != http.StatusConflict || errCode(body) != "target_offline" {
		t.Fatalf("expected 409 target_offline, got %d %v", status, body)
	}
}

func TestAPI_TransferWithSystemMessage(t *testing.T) {
	h := newAPIHarness(t)
	h.online(t, "op-1", "op-2")
	op1 := h.token(t, "op-1", session.RoleOperator)
	op2 := h.token(t, "op-2", session.RoleOperator)
	vis := h.token(t, "v-1", session.RoleVisitor)

	_, a := h.do(t, http.MethodPost, "/assignments", op1, map[string]any{"visitorId": "v-1", "chatId": "chat-1"})
	id, _ := a["assignmentId"].(string)
	h.do(t, http.MethodPost, "/assignments/"+id+"/accept", op1, nil)
	h.do(t, http.MethodPost, "/assignments/"+id+"/start", op1, nil)

	status, body := h.do(t, http.MethodPost, "/transfers", op1, map[string]any{"chatId": "chat-1", "toOperatorId": "op-1"})
	if status != http.StatusBadRequest || errCode(body) != "invalid_input" {
		t.Fatalf("self transfer: expected 400, got %d %v", status, body)
	}

	status, tr := h.do(t, http.MethodPost, "/transfers", op1, map[string]any{"chatId": "chat-1", "toOperatorId": "op-2", "reason": "billing"})
	if status != http.StatusCreated || tr["status"] != string(transfer.StatusRequested) {
		t.Fatalf("request: %d %v", status, tr)
	}
	tid, _ := tr["transferId"].(string)

	status, pending := h.do(t, http.MethodGet, "/transfers/pending", op2, nil)
	if items, _ := pending["transfers"].([]any); status != http.StatusOK || len(items) != 1 {
		t.Fatalf("pending: %d %v", status, pending)
	}

	status, body = h.do(t, http.MethodPost, "/transfers/"+tid+"/respond", op1, map[string]any{"accepted": true})
	if status != http.StatusForbidden || errCode(body) != "not_owner" {
		t.Fatalf("respond by requester: expected 403 not_owner, got %d %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/transfers/"+tid+"/respond", op2, map[string]any{"note": "ok"})
	if status != http.StatusBadRequest {
		t.Fatalf("respond without decision: expected 400, got %d %v", status, body)
	}

	status, done := h.do(t, http.MethodPost, "/transfers/"+tid+"/respond", op2, map[string]any{"accepted": true})
	if status != http.StatusOK || done["status"] != string(transfer.StatusCompleted) {
		t.Fatalf("accept: %d %v", status, done)
	}

	active, ok := h.engine.ActiveForChat("chat-1")
	if !ok || active.OperatorID != "op-2" || active.Status != assignment.StatusActive {
		t.Fatalf("chat should be active with op-2, got %+v ok=%v", active, ok)
	}

	status, hist := h.do(t, http.MethodGet, "/conversations/chat-1/messages", vis, nil)
	msgs, _ := hist["messages"].([]any)
	if status != http.StatusOK || len(msgs) != 1 {
		t.Fatalf("history: %d %v", status, hist)
	}
	m, _ := msgs[0].(map[string]any)
	if m["type"] != "system" || !strings.Contains(m["content"].(string), "op-2") {
		t.Fatalf("expected transfer system message, got %v", m)
	}

	status, _ = h.do(t, http.MethodGet, "/conversations/chat-1/messages", op1, nil)
	if status != http.StatusForbidden {
		t.Fatalf("previous operator should lose access, got %d", status)
	}
	status, _ = h.do(t, http.MethodGet, "/transfers/"+tid, op1, nil)
	if status != http.StatusOK {
		t.Fatalf("requester should see transfer, got %d", status)
	}
}

func TestAPI_HistoryValidatesParams(t *testing.T) {
	h := newAPIHarness(t)
	tok := h.token(t, "v-1", session.RoleVisitor)
	for _, q := range []string{"?afterSeq=-1", "?afterSeq=x", "?limit=0"} {
		status, body := h.do(t, http.MethodGet, "/conversations/chat-1/messages"+q, tok, nil)
		if status != http.StatusBadRequest || errCode(body) != "invalid_input" {
			t.Fatalf("%s: expected 400, got %d %v", q, status, body)
		}
	}
}

func TestAPI_OnlineOperators(t *testing.T) {
	h := newAPIHarness(t)
	h.online(t, "op-2", "op-1")
	status, body := h.do(t, http.MethodGet, "/operators/online", h.token(t, "v-1", session.RoleVisitor), nil)
	ops, _ := body["operators"].([]any)
	if status != http.StatusOK || len(ops) != 2 || ops[0] != "op-1" {
		t.Fatalf("online operators: %d %v", status, body)
	}
}
