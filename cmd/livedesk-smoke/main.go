// Package main provides a CI-friendly end-to-end smoke test for a running livedesk server.
//
// It validates:
//   - REST enqueue by a visitor
//   - dispatch to the online operator (new-assignment)
//   - accept over REST, room join by both parties (operator join starts the assignment)
//   - send -> message-ack, fan-out new-message, mark-as-read -> message-read
//   - idempotent resend by clientMsgId
//   - completion over REST
//
// Tokens are minted locally, so the tool needs the server's PASETO secret key.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"livedesk/cmd/internal/auth/session"
	v1 "livedesk/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

type smokeConfig struct {
	base    string
	wsURL   string
	origin  string
	timeout time.Duration
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "Server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		keyHex   = flag.String("key", os.Getenv("LIVEDESK_PASETO_V4_SECRET_KEY_HEX"), "PASETO v4 secret key hex used by the server")
		issuer   = flag.String("issuer", session.DefaultConfig().Issuer, "Token issuer expected by the server")
		operator = flag.String("operator", "op-1", "Operator id (must exist in the directory)")
		visitor  = flag.String("visitor", fmt.Sprintf("smoke-visitor-%d", time.Now().UnixNano()), "Visitor id")
		text     = flag.String("text", "hello livedesk 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := deriveWSURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	scfg := session.DefaultConfig()
	scfg.Issuer = *issuer
	scfg.PasetoV4SecretKeyHex = strings.TrimSpace(*keyHex)
	tokens, err := session.NewManager(scfg)
	if err != nil {
		fatalf("session keys: %v (set -key or LIVEDESK_PASETO_V4_SECRET_KEY_HEX)", err)
	}
	now := time.Now().UTC()
	opTok, _, err := tokens.Issue(*operator, session.RoleOperator, now)
	if err != nil {
		fatalf("issue operator token: %v", err)
	}
	visTok, _, err := tokens.Issue(*visitor, session.RoleVisitor, now)
	if err != nil {
		fatalf("issue visitor token: %v", err)
	}

	cfg := smokeConfig{base: strings.TrimRight(*baseURL, "/"), wsURL: wsURL, origin: *origin, timeout: *timeout}
	root := context.Background()
	noise := map[string]struct{}{
		v1.TypePresenceChanged:   {},
		v1.TypeAssignmentUpdated: {},
		v1.TypeOperatorAssigned:  {},
		v1.TypeUserTyping:        {},
	}

	op := mustConnect(root, "operator", cfg, opTok)
	defer closeWS(op.conn)

	var entry struct {
		QueueID string `json:"queueId"`
		ChatID  string `json:"chatId"`
	}
	mustREST(root, cfg, http.MethodPost, "/api/v1/queue", visTok, map[string]any{}, http.StatusCreated, &entry)
	if entry.ChatID == "" {
		fatalf("enqueue returned no chatId")
	}
	if *verbose {
		fmt.Printf("queued: queue_id=%s chat_id=%s\n", entry.QueueID, entry.ChatID)
	}

	assigned := op.mustReadUntilType(root, v1.TypeNewAssignment, cfg.timeout, noise)
	var ap v1.AssignmentPayload
	mustUnmarshal(assigned.Payload, &ap, "new-assignment")
	var asg struct {
		ID     string `json:"assignmentId"`
		ChatID string `json:"chatId"`
	}
	mustUnmarshal(ap.Assignment, &asg, "new-assignment.assignment")
	if asg.ChatID != entry.ChatID {
		fatalf("assignment chat mismatch: got=%q want=%q", asg.ChatID, entry.ChatID)
	}

	mustREST(root, cfg, http.MethodPost, "/api/v1/assignments/"+asg.ID+"/accept", opTok, nil, http.StatusOK, nil)

	vis := mustConnect(root, "visitor", cfg, visTok)
	defer closeWS(vis.conn)

	mustJoin(root, vis, entry.ChatID, cfg.timeout, noise)
	mustJoin(root, op, entry.ChatID, cfg.timeout, noise)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	msgID, seq := mustSendAndAssertAck(root, vis, entry.ChatID, clientMsgID, *text, cfg.timeout, noise)

	got := op.mustReadUntilType(root, v1.TypeNewMessage, cfg.timeout, noise)
	var np v1.NewMessagePayload
	mustUnmarshal(got.Payload, &np, "new-message")
	if np.Message.ID != msgID || np.Message.Seq != seq || np.Message.Content != *text || np.Message.SenderID != *visitor {
		fatalf("new-message mismatch: %+v", np.Message)
	}

	mustWrite(root, op.conn, envelope("operator-read", v1.TypeMarkAsRead, v1.MarkAsReadPayload{
		ConversationID: entry.ChatID,
		MessageID:      msgID,
	}), cfg.timeout)
	read := vis.mustReadUntilType(root, v1.TypeMessageRead, cfg.timeout, noise)
	var rp v1.MessageReadPayload
	mustUnmarshal(read.Payload, &rp, "message-read")
	if rp.MessageID != msgID || rp.UserID != *operator {
		fatalf("message-read mismatch: %+v", rp)
	}

	_, seq2 := mustSendAndAssertAck(root, vis, entry.ChatID, clientMsgID, *text, cfg.timeout, noise)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}
	mustAssertNoType(root, op, v1.TypeNewMessage, 1200*time.Millisecond)

	mustREST(root, cfg, http.MethodPost, "/api/v1/assignments/"+asg.ID+"/complete", opTok, map[string]any{"reason": "smoke"}, http.StatusOK, nil)

	fmt.Printf("OK: chat_id=%s assignment_id=%s seq=%d message_id=%s\n", entry.ChatID, asg.ID, seq, msgID)
}

func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustREST(parent context.Context, cfg smokeConfig, method, path, token string, body any, wantStatus int, out any) {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.base+path, rdr)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.origin != "" {
		req.Header.Set("Origin", cfg.origin)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, bytes.TrimSpace(raw))
	}
	if out != nil {
		mustUnmarshal(raw, out, method+" "+path)
	}
}

func mustConnect(parent context.Context, name string, cfg smokeConfig, token string) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(cfg.origin) != "" {
		h.Set("Origin", cfg.origin)
	}

	conn, resp, err := websocket.Dial(ctx, cfg.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, sp, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := c.mustReadUntilType(parent, v1.TypeConnected, cfg.timeout, nil)
	var p v1.ConnectedPayload
	mustUnmarshal(hello.Payload, &p, "connected")
	if strings.TrimSpace(p.ConnectionID) == "" || p.User.UserID == "" {
		fatalf("connected payload incomplete (%s): %+v", name, p)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version || strings.TrimSpace(env.Type) == "" {
				c.fail(fmt.Errorf("bad envelope: v=%q type=%q", env.V, env.Type))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration, skip map[string]struct{}) {
	mustWrite(parent, c.conn, envelope(c.name+"-join", v1.TypeJoinRoom, v1.RoomPayload{ConversationID: chatID}), stepTimeout)

	joined := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, skip)
	var p v1.RoomPayload
	mustUnmarshal(joined.Payload, &p, "room-joined")
	if p.ConversationID != chatID {
		fatalf("room-joined conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, chatID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, chatID, clientMsgID, text string, stepTimeout time.Duration, skip map[string]struct{}) (string, int64) {
	mustWrite(parent, c.conn, envelope(c.name+"-send-"+clientMsgID, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: chatID,
		Content:        text,
		Type:           v1.MessageText,
		ClientMsgID:    clientMsgID,
	}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)
	var p v1.MessageAckPayload
	mustUnmarshal(ack.Payload, &p, "message-ack")
	if p.ConversationID != chatID {
		fatalf("ack conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, chatID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack clientMsgId mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" || p.Seq <= 0 {
		fatalf("ack incomplete (%s): %+v", c.name, p)
	}
	return p.MessageID, p.Seq
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustUnmarshal(raw []byte, dst any, what string) {
	if err := json.Unmarshal(raw, dst); err != nil {
		fatalf("unmarshal %s: %v", what, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
