package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/auth/session"
	"livedesk/cmd/internal/presence"
	v1 "livedesk/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Presence is the slice of the presence registry the gateway drives.
type Presence interface {
	Connect(userID string, role presence.Role) (string, error)
	Disconnect(connectionID string)
	Touch(connectionID string)
}

// GatewayConfig holds the websocket transport policy.
type GatewayConfig struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins lists full origins or hosts; "*" allows any.
	AllowedOrigins []string
	// DevInsecure disables the websocket library's own origin verification.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig is secure by default: Origin required, only localhost allowed.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint for livedesk realtime.
//
// It authenticates the handshake, enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the Broker.
type WSGateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	auth     session.Verifier
	presence Presence
	broker   *Broker

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, auth session.Verifier, pres Presence, broker *Broker) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		cfg:            cfg,
		auth:           auth,
		presence:       pres,
		broker:         broker,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs one realtime session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	role := presence.Role(principal.Role)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := g.presence.Connect(principal.UserID, role)
	if err != nil {
		g.log.Warn("ws.presence.fail", "user_id", principal.UserID, "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "unavailable")
		return
	}
	client := NewClient(connID, principal.UserID, role, g.cfg.SendQueueSize)
	if err := g.broker.Register(client); err != nil {
		g.presence.Disconnect(connID)
		g.log.Warn("ws.register.fail", "connection_id", connID, "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "unavailable")
		return
	}
	g.log.Info("ws.connected", "connection_id", connID, "user_id", principal.UserID, "role", role)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. The broker drops the client from every room before it is closed,
	// and client.Send stays open so late broadcasters cannot panic.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.broker.Unregister(connID)
			g.presence.Disconnect(connID)
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.disconnected", "connection_id", connID, "user_id", principal.UserID, "reason", reason)
		})
	}

	client.Enqueue(newEnvelope(v1.TypeConnected, v1.ConnectedPayload{
		User:         v1.User{UserID: principal.UserID, Role: string(role)},
		ConnectionID: connID,
	}, time.Now().UTC()))

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// The broker closed the client, e.g. after its queue overflowed.
				shutdown(websocket.StatusTryAgainLater, "closed by server")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				g.presence.Touch(connID)
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.sendError(client, "bad_json", "invalid JSON")
			continue readLoop
		}
		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		g.presence.Touch(connID)
		if err := g.dispatch(ctx, client, env); err != nil {
			g.sendError(client, apperr.Code(err), apperr.Message(err))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(r *http.Request) (session.Principal, error) {
	if g.auth == nil {
		return session.Principal{}, errors.New("no verifier configured")
	}
	token := session.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		return session.Principal{}, errors.New("missing token")
	}
	return g.auth.Verify(r.Context(), token)
}

// ---- handlers ----

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	const op = "ws.dispatch"
	connID := client.ConnectionID

	switch env.Type {
	case v1.TypeJoinRoom:
		var p v1.RoomPayload
		if err := decodePayload(op, env, &p); err != nil {
			return err
		}
		return g.broker.JoinRoom(ctx, connID, p.ConversationID)

	case v1.TypeLeaveRoom:
		var p v1.RoomPayload
		if err := decodePayload(op, env, &p); err != nil {
			return err
		}
		return g.broker.LeaveRoom(connID, p.ConversationID)

	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err := decodePayload(op, env, &p); err != nil {
			return err
		}
		_, err := g.broker.SendMessage(ctx, connID, p.ConversationID, p.Content, p.Type, p.ClientMsgID)
		return err

	case v1.TypeTypingStart, v1.TypeTypingStop:
		var p v1.RoomPayload
		if err := decodePayload(op, env, &p); err != nil {
			return err
		}
		return g.broker.SetTyping(connID, p.ConversationID, env.Type == v1.TypeTypingStart)

	case v1.TypeMarkAsRead:
		var p v1.MarkAsReadPayload
		if err := decodePayload(op, env, &p); err != nil {
			return err
		}
		return g.broker.MarkRead(ctx, connID, p.ConversationID, p.MessageID)
	}
	return apperr.Ef(op, apperr.ErrInvalidInput, "unsupported type: %s", env.Type)
}

func decodePayload(op string, env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return apperr.E(op, apperr.ErrInvalidInput, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return apperr.E(op, apperr.ErrInvalidInput, "invalid payload")
	}
	return nil
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	client.Enqueue(newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC()))
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into websocket.Accept host patterns
// so both origin checks agree.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
