package app

import (
	"bytes"
	"context"
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
	"livedesk/cmd/internal/presence"
	"livedesk/cmd/internal/queue"
	"livedesk/cmd/internal/realtime"
	v1 "livedesk/shared/contracts/realtime/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("LIVEDESK_PASETO_V4_SECRET_KEY_HEX", paseto.NewV4AsymmetricSecretKey().ExportHex())
	t.Setenv("LIVEDESK_DATABASE_URL", "")
	t.Setenv("LIVEDESK_REDIS_ADDR", "")
	t.Setenv("LIVEDESK_AMQP_URL", "")

	cfg := LoadConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Operators = "op-1:2:billing,op-2"
	cfg.PresenceGrace = 0
	return cfg
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(testConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.shutdown)

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return a, srv
}

func issue(t *testing.T, a *App, userID, role string) string {
	t.Helper()
	tok, _, err := a.tokens.Issue(userID, role, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func call(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestApp_OpsEndpoints(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing on healthz: %q", got)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "livedesk_queue_waiting") {
		t.Fatalf("metrics: status %d, livedesk collectors missing", resp.StatusCode)
	}
}

func TestApp_ReadyzFailsWhileDraining(t *testing.T) {
	a, srv := newTestApp(t)
	a.draining.Store(true)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
}

// expectEnv reads from c until an envelope of typ arrives.
func expectEnv(t *testing.T, c *realtime.Client, typ string) v1.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Send:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("%s: did not receive %q", c.ConnectionID, typ)
			return v1.Envelope{}
		}
	}
}

func register(t *testing.T, a *App, connID, userID string, role presence.Role) *realtime.Client {
	t.Helper()
	c := realtime.NewClient(connID, userID, role, 64)
	if err := a.broker.Register(c); err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	return c
}

func TestApp_QueueToConversation(t *testing.T) {
	a, srv := newTestApp(t)
	ctx := context.Background()
	api := srv.URL + "/api/v1"
	visitor := issue(t, a, "v-1", session.RoleVisitor)
	operator := issue(t, a, "op-1", session.RoleOperator)

	status, entry := call(t, http.MethodPost, api+"/queue", visitor, map[string]any{"tags": []string{"billing"}})
	if status != http.StatusCreated {
		t.Fatalf("enqueue: %d %v", status, entry)
	}
	chatID, _ := entry["chatId"].(string)
	queueID, _ := entry["queueId"].(string)

	status, pos := call(t, http.MethodGet, api+"/queue/"+queueID, visitor, nil)
	if status != http.StatusOK || pos["position"] != float64(1) {
		t.Fatalf("position: %d %v", status, pos)
	}
	if wait, _ := pos["estimatedWaitTime"].(float64); wait <= 0 {
		t.Fatalf("expected a positive wait estimate, got %v", pos)
	}

	// No operator online yet: nothing to dispatch.
	if n := a.dispatcher.DispatchOnce(ctx); n != 0 {
		t.Fatalf("dispatched %d with nobody online", n)
	}

	vc := register(t, a, "c-v1", "v-1", presence.RoleVisitor)
	oc := register(t, a, "c-op1", "op-1", presence.RoleOperator)
	if _, err := a.presence.Connect("op-1", presence.RoleOperator); err != nil {
		t.Fatalf("connect op-1: %v", err)
	}
	if n := a.dispatcher.DispatchOnce(ctx); n != 1 {
		t.Fatalf("expected one dispatch, got %d", n)
	}
	if a.queue.Len() != 0 {
		t.Fatalf("queue should be empty, has %d", a.queue.Len())
	}

	status, list := call(t, http.MethodGet, api+"/assignments?status=PENDING", operator, nil)
	items, _ := list["assignments"].([]any)
	if status != http.StatusOK || len(items) != 1 {
		t.Fatalf("list: %d %v", status, list)
	}
	got, _ := items[0].(map[string]any)
	if got["operatorId"] != "op-1" || got["visitorId"] != "v-1" || got["chatId"] != chatID {
		t.Fatalf("unexpected assignment: %v", got)
	}
	assignmentID, _ := got["assignmentId"].(string)

	expectEnv(t, oc, v1.TypeNewAssignment)
	var assigned v1.OperatorAssignedPayload
	if err := json.Unmarshal(expectEnv(t, vc, v1.TypeOperatorAssigned).Payload, &assigned); err != nil {
		t.Fatalf("decode operator-assigned: %v", err)
	}
	if assigned.Operator.UserID != "op-1" || assigned.ConversationID != chatID {
		t.Fatalf("unexpected operator-assigned: %+v", assigned)
	}

	status, accepted := call(t, http.MethodPost, api+"/assignments/"+assignmentID+"/accept", operator, nil)
	if status != http.StatusOK || accepted["status"] != "ACCEPTED" {
		t.Fatalf("accept: %d %v", status, accepted)
	}

	// The operator opening the chat starts the conversation.
	if err := a.broker.JoinRoom(ctx, oc.ConnectionID, chatID); err != nil {
		t.Fatalf("operator join: %v", err)
	}
	if cur, ok := a.engine.ActiveForChat(chatID); !ok || cur.Status != assignment.StatusActive {
		t.Fatalf("expected ACTIVE after operator join, got %+v", cur)
	}
	if err := a.broker.JoinRoom(ctx, vc.ConnectionID, chatID); err != nil {
		t.Fatalf("visitor join: %v", err)
	}

	sent, err := a.broker.SendMessage(ctx, vc.ConnectionID, chatID, "hello", "", "m-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var nm v1.NewMessagePayload
	if err := json.Unmarshal(expectEnv(t, oc, v1.TypeNewMessage).Payload, &nm); err != nil {
		t.Fatalf("decode new-message: %v", err)
	}
	if nm.Message.Content != "hello" || nm.Message.Status != v1.StatusSent || nm.Message.ID != sent.ID {
		t.Fatalf("unexpected new-message: %+v", nm.Message)
	}

	if err := a.broker.MarkRead(ctx, oc.ConnectionID, chatID, sent.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	var read v1.MessageReadPayload
	if err := json.Unmarshal(expectEnv(t, vc, v1.TypeMessageRead).Payload, &read); err != nil {
		t.Fatalf("decode message-read: %v", err)
	}
	if read.MessageID != sent.ID || read.UserID != "op-1" {
		t.Fatalf("unexpected message-read: %+v", read)
	}
}

func TestApp_VisitorOfflineAbandonsQueue(t *testing.T) {
	a, srv := newTestApp(t)
	visitor := issue(t, a, "v-9", session.RoleVisitor)

	status, entry := call(t, http.MethodPost, srv.URL+"/api/v1/queue", visitor, nil)
	if status != http.StatusCreated {
		t.Fatalf("enqueue: %d %v", status, entry)
	}
	queueID, _ := entry["queueId"].(string)

	conn, err := a.presence.Connect("v-9", presence.RoleVisitor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.presence.Disconnect(conn)

	deadline := time.Now().Add(2 * time.Second)
	for {
		e, ok := a.queue.Get(queueID)
		if ok && e.Status == queue.StatusAbandoned {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not abandoned after visitor went offline: %+v", e)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, err := New(testConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestNew_RequiresSessionKeys(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv("LIVEDESK_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("LIVEDESK_PASETO_V4_PUBLIC_KEY_HEX", "")

	if _, err := New(cfg, quietLogger()); err == nil {
		t.Fatalf("expected error without session keys")
	}
}
