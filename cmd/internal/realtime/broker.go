package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/directory"
	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/metrics"
	"livedesk/cmd/internal/presence"
	"livedesk/cmd/internal/retry"
	"livedesk/cmd/internal/transfer"
	v1 "livedesk/shared/contracts/realtime/v1"
)

// DefaultTypingIdle clears a typing flag nobody refreshed.
const DefaultTypingIdle = 3 * time.Second

// SystemSenderID is the sender of messages posted by the server.
const SystemSenderID = "system"

// Assignments is the slice of the assignment engine the broker needs.
type Assignments interface {
	ActiveForChat(chatID string) (assignment.Assignment, bool)
	Start(ctx context.Context, id, operatorID string) (assignment.Assignment, error)
}

// Directory resolves operator display names for visitors.
type Directory interface {
	GetOperator(ctx context.Context, userID string) (directory.Operator, error)
}

// BrokerDeps wires the broker. Directory, Writer and OnDelivered are optional; without a Writer,
// delivery receipts are written inline.
type BrokerDeps struct {
	Log         *slog.Logger
	Store       MessageStore
	Assignments Assignments
	Directory   Directory
	Writer      *retry.Writer
	Now         func() time.Time
	TypingIdle  time.Duration

	// OnDelivered observes messages that reached another participant.
	OnDelivered func(chatID string, messageIDs []string)
}

// Broker maps chats to the live connections entitled to their traffic and moves messages,
// typing and read receipts between them and the store.
type Broker struct {
	log        *slog.Logger
	deps       BrokerDeps
	now        func() time.Time
	typingIdle time.Duration

	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client
	rooms   map[string]*Room
	joined  map[string]map[string]struct{} // connection id -> chat ids
	closed  bool
}

// NewBroker constructs a Broker.
func NewBroker(deps BrokerDeps) *Broker {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = NewInMemoryStore()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	idle := deps.TypingIdle
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Broker{
		log:        deps.Log,
		deps:       deps,
		now:        now,
		typingIdle: idle,
		clients:    make(map[string]*Client),
		byUser:     make(map[string]map[string]*Client),
		rooms:      make(map[string]*Room),
		joined:     make(map[string]map[string]struct{}),
	}
}

// Store returns the message store.
func (b *Broker) Store() MessageStore { return b.deps.Store }

// Register makes a connection addressable by SendToUser and eligible to join rooms.
func (b *Broker) Register(c *Client) error {
	const op = "realtime.Register"
	if c == nil || c.ConnectionID == "" || c.UserID == "" {
		return apperr.E(op, apperr.ErrInvalidInput, "connection id and user id are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return apperr.E(op, apperr.ErrUnavailable, "broker closed")
	}
	if _, dup := b.clients[c.ConnectionID]; dup {
		return apperr.E(op, apperr.ErrInvalidInput, "connection already registered")
	}
	b.clients[c.ConnectionID] = c
	conns := b.byUser[c.UserID]
	if conns == nil {
		conns = make(map[string]*Client)
		b.byUser[c.UserID] = conns
	}
	conns[c.ConnectionID] = c
	return nil
}

// Unregister removes a connection from every room, clears its typing flags and closes it.
// Assignments are left alone.
func (b *Broker) Unregister(connectionID string) {
	b.mu.Lock()
	c, ok := b.clients[connectionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, connectionID)
	if conns := b.byUser[c.UserID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(b.byUser, c.UserID)
		}
	}
	var left []*Room
	for chatID := range b.joined[connectionID] {
		if r := b.rooms[chatID]; r != nil && r.Leave(connectionID) {
			left = append(left, r)
			b.dropIfEmptyLocked(r)
		}
	}
	delete(b.joined, connectionID)
	b.mu.Unlock()

	for _, r := range left {
		if !r.HasUser(c.UserID) {
			b.stopTyping(r, c.UserID)
		}
	}
	c.Close()
	b.log.Debug("chat.connection.unregistered", "connection_id", connectionID, "user_id", c.UserID, "rooms", len(left))
}

// JoinRoom authorizes the connection for chatID and adds it to the room. Operators must hold the
// chat's accepted or active assignment; visitors must own the chat. An operator joining starts an
// ACCEPTED assignment, so an operator is never a member while the assignment can still time out.
// Undelivered messages are replayed to the new member.
func (b *Broker) JoinRoom(ctx context.Context, connectionID, chatID string) error {
	const op = "realtime.JoinRoom"

	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return apperr.E(op, apperr.ErrInvalidInput, "conversationId is required")
	}
	c, ok := b.client(connectionID)
	if !ok {
		return apperr.E(op, apperr.ErrNotFound, "unknown connection")
	}

	visitorID, a, _, err := b.authorize(ctx, op, c.UserID, c.Role, chatID)
	if err != nil {
		return err
	}
	if _, err := b.deps.Store.EnsureConversation(ctx, chatID, visitorID, b.now()); err != nil {
		return b.storeErr(op, err)
	}
	if c.Role == presence.RoleOperator {
		if err := b.startOnJoin(ctx, op, a); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperr.E(op, apperr.ErrUnavailable, "broker closed")
	}
	if _, live := b.clients[connectionID]; !live {
		b.mu.Unlock()
		return apperr.E(op, apperr.ErrNotFound, "unknown connection")
	}
	room := b.roomLocked(chatID)
	room.Join(c)
	set := b.joined[connectionID]
	if set == nil {
		set = make(map[string]struct{})
		b.joined[connectionID] = set
	}
	set[chatID] = struct{}{}
	b.mu.Unlock()

	c.Enqueue(b.envelope(v1.TypeRoomJoined, v1.RoomPayload{ConversationID: chatID}))
	b.replay(ctx, c, chatID)

	b.log.Info("chat.room.joined", "chat_id", chatID, "connection_id", connectionID, "user_id", c.UserID, "role", c.Role)
	return nil
}

// LeaveRoom removes the connection from the room. Leaving a room you are not in is not an error.
func (b *Broker) LeaveRoom(connectionID, chatID string) error {
	c, ok := b.client(connectionID)
	if !ok {
		return nil
	}

	b.mu.Lock()
	room := b.rooms[chatID]
	left := room != nil && room.Leave(connectionID)
	if set := b.joined[connectionID]; set != nil {
		delete(set, chatID)
	}
	if left {
		b.dropIfEmptyLocked(room)
	}
	b.mu.Unlock()

	if left && !room.HasUser(c.UserID) {
		b.stopTyping(room, c.UserID)
	}
	c.Enqueue(b.envelope(v1.TypeRoomLeft, v1.RoomPayload{ConversationID: chatID}))
	return nil
}

// SendMessage persists a text message and fans it out to the other room members. The sender
// gets a message-ack. Store failures are returned to the caller.
func (b *Broker) SendMessage(ctx context.Context, connectionID, chatID, text, kind, clientMsgID string) (v1.Message, error) {
	const op = "realtime.SendMessage"

	text = strings.TrimSpace(text)
	if kind == "" {
		kind = v1.MessageText
	}
	switch {
	case text == "":
		return v1.Message{}, apperr.E(op, apperr.ErrInvalidInput, "empty message")
	case utf8.RuneCountInString(text) > maxMessageChars:
		return v1.Message{}, apperr.Ef(op, apperr.ErrInvalidInput, "message too long: max=%d chars", maxMessageChars)
	case kind != v1.MessageText:
		return v1.Message{}, apperr.Ef(op, apperr.ErrInvalidInput, "unsupported message type %q", kind)
	}

	c, room, err := b.member(op, connectionID, chatID)
	if err != nil {
		return v1.Message{}, err
	}

	room.seq.Lock()
	res, err := b.deps.Store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: chatID,
		ClientMsgID:    strings.TrimSpace(clientMsgID),
		SenderID:       c.UserID,
		Kind:           kind,
		Text:           text,
		Now:            b.now(),
	})
	if err != nil {
		room.seq.Unlock()
		return v1.Message{}, b.storeErr(op, err)
	}
	msg := WireMessage(res.Stored)
	var recipients []string
	var lagging []*Client
	if !res.Duplicated {
		recipients, lagging = room.Fanout(
			b.envelope(v1.TypeNewMessage, v1.NewMessagePayload{Message: msg}),
			func(m *Client) bool { return m.ConnectionID == connectionID },
		)
	}
	room.seq.Unlock()
	b.disconnectLagging(chatID, lagging)

	c.Enqueue(b.envelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ConversationID: chatID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		ClientMsgID:    res.Stored.ClientMsgID,
	}))
	if res.Duplicated {
		return msg, nil
	}

	if reachedOthers(recipients, c.UserID) {
		b.markDelivered(chatID, []string{msg.ID})
	}
	b.stopTyping(room, c.UserID)

	metrics.MessagesSent.WithLabelValues(kind).Inc()
	b.log.Debug("chat.message.sent", "chat_id", chatID, "message_id", msg.ID, "seq", msg.Seq, "recipients", len(recipients))
	return msg, nil
}

// MarkRead records that the connection's user read messageID and announces it to the room.
// Repeating it is a no-op.
func (b *Broker) MarkRead(ctx context.Context, connectionID, chatID, messageID string) error {
	const op = "realtime.MarkRead"

	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return apperr.E(op, apperr.ErrInvalidInput, "messageId is required")
	}
	c, room, err := b.member(op, connectionID, chatID)
	if err != nil {
		return err
	}

	at := b.now()
	var changed bool
	err = retry.Do(ctx, readReceiptPolicy, func(ctx context.Context) error {
		var err error
		changed, err = b.deps.Store.MarkRead(ctx, MarkReadInput{
			ConversationID: chatID,
			MessageID:      messageID,
			UserID:         c.UserID,
			At:             at,
		})
		if err != nil && apperr.Known(err) {
			return retry.Permanent{Err: err}
		}
		return err
	})
	if err != nil {
		return b.storeErr(op, err)
	}
	if !changed {
		return nil
	}

	room.Broadcast(b.envelope(v1.TypeMessageRead, v1.MessageReadPayload{
		ConversationID: chatID,
		MessageID:      messageID,
		UserID:         c.UserID,
		ReadAt:         at,
	}), nil)
	return nil
}

var readReceiptPolicy = retry.Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: 500 * time.Millisecond}

// SetTyping raises or clears the connection user's typing flag. A raised flag clears itself
// after the idle period.
func (b *Broker) SetTyping(connectionID, chatID string, typing bool) error {
	const op = "realtime.SetTyping"
	c, room, err := b.member(op, connectionID, chatID)
	if err != nil {
		return err
	}

	userID := c.UserID
	if !typing {
		b.stopTyping(room, userID)
		return nil
	}
	if room.startTyping(userID, b.typingIdle, func() { b.broadcastTyping(room, userID, false) }) {
		b.broadcastTyping(room, userID, true)
	}
	return nil
}

// SendToUser delivers env to every live connection of userID and returns how many took it.
func (b *Broker) SendToUser(userID string, env v1.Envelope) int {
	b.mu.RLock()
	conns := make([]*Client, 0, len(b.byUser[userID]))
	for _, c := range b.byUser[userID] {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.Enqueue(env) {
			n++
		}
	}
	return n
}

// CloseRoom removes every member from the chat's room and tells them so.
func (b *Broker) CloseRoom(chatID string) {
	b.mu.Lock()
	room := b.rooms[chatID]
	delete(b.rooms, chatID)
	var members []*Client
	if room != nil {
		members = room.Members()
		for _, m := range members {
			room.Leave(m.ConnectionID)
			if set := b.joined[m.ConnectionID]; set != nil {
				delete(set, chatID)
			}
		}
	}
	b.mu.Unlock()

	if room == nil {
		return
	}
	room.stopAllTyping()
	env := b.envelope(v1.TypeRoomLeft, v1.RoomPayload{ConversationID: chatID})
	for _, m := range members {
		m.Enqueue(env)
	}
	b.log.Info("chat.room.closed", "chat_id", chatID, "members", len(members))
}

// MoveOperator takes fromOperatorID's connections out of the room and puts toOperatorID's live
// connections in.
func (b *Broker) MoveOperator(ctx context.Context, chatID, fromOperatorID, toOperatorID string) error {
	b.mu.Lock()
	room := b.rooms[chatID]
	var removed, added []*Client
	if room != nil {
		for _, m := range room.Members() {
			if m.UserID == fromOperatorID && room.Leave(m.ConnectionID) {
				removed = append(removed, m)
				if set := b.joined[m.ConnectionID]; set != nil {
					delete(set, chatID)
				}
			}
		}
	}
	if conns := b.byUser[toOperatorID]; len(conns) > 0 {
		room = b.roomLocked(chatID)
		for _, c := range conns {
			if room.Join(c) {
				added = append(added, c)
			}
			set := b.joined[c.ConnectionID]
			if set == nil {
				set = make(map[string]struct{})
				b.joined[c.ConnectionID] = set
			}
			set[chatID] = struct{}{}
		}
	}
	b.mu.Unlock()

	if room == nil {
		return nil
	}
	b.stopTyping(room, fromOperatorID)

	leftEnv := b.envelope(v1.TypeRoomLeft, v1.RoomPayload{ConversationID: chatID})
	for _, c := range removed {
		c.Enqueue(leftEnv)
	}
	joinedEnv := b.envelope(v1.TypeRoomJoined, v1.RoomPayload{ConversationID: chatID})
	for _, c := range added {
		c.Enqueue(joinedEnv)
		b.replay(ctx, c, chatID)
	}

	b.log.Info("chat.room.operator_moved", "chat_id", chatID, "from", fromOperatorID, "to", toOperatorID,
		"removed", len(removed), "added", len(added))
	return nil
}

// PostSystemMessage persists a server-authored message and broadcasts it to every member.
func (b *Broker) PostSystemMessage(ctx context.Context, chatID, text string) error {
	const op = "realtime.PostSystemMessage"

	text = strings.TrimSpace(text)
	if chatID == "" || text == "" {
		return apperr.E(op, apperr.ErrInvalidInput, "chat id and text are required")
	}
	if a, ok := b.deps.Assignments.ActiveForChat(chatID); ok {
		if _, err := b.deps.Store.EnsureConversation(ctx, chatID, a.VisitorID, b.now()); err != nil {
			return b.storeErr(op, err)
		}
	}

	// Same sequence point as SendMessage: append and fan-out happen under room.seq.
	room := b.room(chatID)
	if room != nil {
		room.seq.Lock()
	}
	res, err := b.deps.Store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: chatID,
		SenderID:       SystemSenderID,
		Kind:           v1.MessageSystem,
		Text:           text,
		Now:            b.now(),
	})
	if err != nil {
		if room != nil {
			room.seq.Unlock()
		}
		return b.storeErr(op, err)
	}
	metrics.MessagesSent.WithLabelValues(v1.MessageSystem).Inc()
	if room == nil {
		return nil
	}

	msg := WireMessage(res.Stored)
	got, lagging := room.Fanout(b.envelope(v1.TypeNewMessage, v1.NewMessagePayload{Message: msg}), nil)
	room.seq.Unlock()

	b.disconnectLagging(chatID, lagging)
	if len(got) > 0 {
		b.markDelivered(chatID, []string{msg.ID})
	}
	return nil
}

// History returns a page of the chat's messages to a user entitled to read it.
func (b *Broker) History(ctx context.Context, userID string, role presence.Role, chatID string, afterSeq *int64, limit int) ([]v1.Message, bool, error) {
	const op = "realtime.History"
	if _, _, _, err := b.authorize(ctx, op, userID, role, chatID); err != nil {
		return nil, false, err
	}
	res, err := b.deps.Store.FetchHistory(ctx, FetchHistoryInput{ConversationID: chatID, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return nil, false, b.storeErr(op, err)
	}
	out := make([]v1.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, WireMessage(m))
	}
	return out, res.HasMore, nil
}

// AssignmentChanged pushes assignment transitions to the operator and the visitor. A completed
// assignment closes its room unless the chat was transferred; a cancelled one evicts the operator.
func (b *Broker) AssignmentChanged(ch assignment.Change) {
	a := ch.Assignment
	raw, err := json.Marshal(a)
	if err != nil {
		b.log.Error("chat.assignment.encode_failed", "assignment_id", a.ID, "err", err)
		return
	}

	if ch.Kind == assignment.ChangeCreated {
		b.SendToUser(a.OperatorID, b.envelope(v1.TypeNewAssignment, v1.AssignmentPayload{Assignment: raw}))
		b.SendToUser(a.VisitorID, b.envelope(v1.TypeOperatorAssigned, v1.OperatorAssignedPayload{
			Operator:       v1.Operator{UserID: a.OperatorID, DisplayName: b.displayName(a.OperatorID)},
			ConversationID: a.ChatID,
			AssignmentID:   a.ID,
		}))
	} else {
		env := b.envelope(v1.TypeAssignmentUpdated, v1.AssignmentPayload{Assignment: raw})
		b.SendToUser(a.OperatorID, env)
		b.SendToUser(a.VisitorID, env)
	}

	switch {
	case ch.Kind == assignment.ChangeCompleted && a.Reason != assignment.ReasonTransferred:
		b.CloseRoom(a.ChatID)
		b.sideEffect("conversation.close", func(ctx context.Context) error {
			return b.deps.Store.CloseConversation(ctx, a.ChatID, b.now())
		})
	case ch.Kind == assignment.ChangeCancelled:
		b.evict(a.ChatID, a.OperatorID)
	}
}

// TransferChanged notifies the operators involved in a transfer.
func (b *Broker) TransferChanged(ch transfer.Change) {
	t := ch.Transfer
	raw, err := json.Marshal(t)
	if err != nil {
		b.log.Error("chat.transfer.encode_failed", "transfer_id", t.ID, "err", err)
		return
	}
	payload := v1.TransferPayload{Transfer: raw}
	if t.Status == transfer.StatusRequested {
		b.SendToUser(t.ToOperatorID, b.envelope(v1.TypeTransferRequested, payload))
		return
	}
	env := b.envelope(v1.TypeTransferUpdated, payload)
	b.SendToUser(t.FromOperatorID, env)
	b.SendToUser(t.ToOperatorID, env)
}

// PresenceChanged tells every connected operator that a user came online or went offline.
func (b *Broker) PresenceChanged(ch presence.Change) {
	env := b.envelope(v1.TypePresenceChanged, v1.PresenceChangedPayload{
		UserID: ch.UserID,
		Role:   string(ch.Role),
		Online: ch.Online,
	})

	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		if c.Role == presence.RoleOperator && c.UserID != ch.UserID {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(env)
	}
}

// IsMember reports whether the connection is in the chat's room.
func (b *Broker) IsMember(connectionID, chatID string) bool {
	r := b.room(chatID)
	return r != nil && r.IsMember(connectionID)
}

// RoomMembers returns the user ids present in a room, sorted.
func (b *Broker) RoomMembers(chatID string) []string {
	r := b.room(chatID)
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, m := range r.Members() {
		seen[m.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Close closes every connection and drops all rooms.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	rooms := make([]*Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.clients = make(map[string]*Client)
	b.byUser = make(map[string]map[string]*Client)
	b.rooms = make(map[string]*Room)
	b.joined = make(map[string]map[string]struct{})
	b.mu.Unlock()

	for _, r := range rooms {
		r.stopAllTyping()
	}
	for _, c := range clients {
		c.Close()
	}
}

// ---- internals ----

func (b *Broker) authorize(ctx context.Context, op, userID string, role presence.Role, chatID string) (string, assignment.Assignment, bool, error) {
	a, hasA := b.deps.Assignments.ActiveForChat(chatID)

	switch role {
	case presence.RoleOperator:
		if !hasA || a.OperatorID != userID {
			return "", a, hasA, apperr.E(op, apperr.ErrForbidden, "not assigned to this conversation")
		}
		return a.VisitorID, a, true, nil

	case presence.RoleVisitor:
		if hasA && a.VisitorID == userID {
			return userID, a, true, nil
		}
		conv, err := b.deps.Store.GetConversation(ctx, chatID)
		if err == nil && conv.VisitorID == userID {
			return userID, a, hasA, nil
		}
		if err != nil && !apperr.Is(err, apperr.ErrNotFound) {
			return "", a, hasA, b.storeErr(op, err)
		}
	}
	return "", a, hasA, apperr.E(op, apperr.ErrForbidden, "not a participant of this conversation")
}

// startOnJoin moves the operator's assignment to ACTIVE. A PENDING assignment must be accepted
// first; losing the race to another Start is fine as long as the assignment ended up ACTIVE.
func (b *Broker) startOnJoin(ctx context.Context, op string, a assignment.Assignment) error {
	switch a.Status {
	case assignment.StatusPending:
		return apperr.E(op, apperr.ErrNotActive, "accept the assignment before joining")
	case assignment.StatusAccepted:
		if _, err := b.deps.Assignments.Start(ctx, a.ID, a.OperatorID); err != nil {
			cur, ok := b.deps.Assignments.ActiveForChat(a.ChatID)
			if !ok || cur.ID != a.ID || cur.Status != assignment.StatusActive {
				b.log.Warn("chat.join.start_failed", "assignment_id", a.ID, "err", err)
				return err
			}
		}
	}
	return nil
}

func (b *Broker) member(op, connectionID, chatID string) (*Client, *Room, error) {
	c, ok := b.client(connectionID)
	if !ok {
		return nil, nil, apperr.E(op, apperr.ErrNotFound, "unknown connection")
	}
	room := b.room(chatID)
	if room == nil || !room.IsMember(connectionID) {
		return nil, nil, apperr.E(op, apperr.ErrForbidden, "join the conversation first")
	}
	return c, room, nil
}

func (b *Broker) client(connectionID string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[connectionID]
	return c, ok
}

func (b *Broker) room(chatID string) *Room {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rooms[chatID]
}

func (b *Broker) roomLocked(chatID string) *Room {
	r := b.rooms[chatID]
	if r == nil {
		r = newRoom(chatID)
		b.rooms[chatID] = r
	}
	return r
}

func (b *Broker) dropIfEmptyLocked(r *Room) {
	if r.Len() == 0 && b.rooms[r.ID] == r {
		delete(b.rooms, r.ID)
		r.stopAllTyping()
	}
}

// evict removes every connection of userID from the chat's room.
func (b *Broker) evict(chatID, userID string) {
	b.mu.Lock()
	room := b.rooms[chatID]
	var removed []*Client
	if room != nil {
		for _, m := range room.Members() {
			if m.UserID == userID && room.Leave(m.ConnectionID) {
				removed = append(removed, m)
				if set := b.joined[m.ConnectionID]; set != nil {
					delete(set, chatID)
				}
			}
		}
		b.dropIfEmptyLocked(room)
	}
	b.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	b.stopTyping(room, userID)
	env := b.envelope(v1.TypeRoomLeft, v1.RoomPayload{ConversationID: chatID})
	for _, c := range removed {
		c.Enqueue(env)
	}
}

func (b *Broker) replay(ctx context.Context, c *Client, chatID string) {
	pending, err := b.deps.Store.PendingFor(ctx, chatID, c.UserID, maxReplayMessages)
	if err != nil {
		b.log.Warn("chat.replay.failed", "chat_id", chatID, "user_id", c.UserID, "err", err)
		return
	}
	delivered := make([]string, 0, len(pending))
	for _, m := range pending {
		m.Status = v1.StatusDelivered
		if !c.Enqueue(b.envelope(v1.TypeNewMessage, v1.NewMessagePayload{Message: WireMessage(m)})) {
			b.disconnectLagging(chatID, []*Client{c})
			break
		}
		delivered = append(delivered, m.ID)
	}
	if len(delivered) > 0 {
		b.markDelivered(chatID, delivered)
	}
}

// disconnectLagging drops connections whose queue refused a chat message. The message stays
// undelivered for them, and the replay on their next join sends it.
func (b *Broker) disconnectLagging(chatID string, lagging []*Client) {
	for _, c := range lagging {
		b.log.Warn("chat.member.lagging", "chat_id", chatID, "connection_id", c.ConnectionID, "user_id", c.UserID)
		b.Unregister(c.ConnectionID)
	}
}

func (b *Broker) markDelivered(chatID string, messageIDs []string) {
	b.sideEffect("message.delivered", func(ctx context.Context) error {
		return b.deps.Store.MarkDelivered(ctx, chatID, messageIDs)
	})
	if b.deps.OnDelivered != nil {
		b.deps.OnDelivered(chatID, messageIDs)
	}
}

// sideEffect runs fn through the retrying writer, or inline when there is none.
func (b *Broker) sideEffect(name string, fn func(ctx context.Context) error) {
	if b.deps.Writer == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			b.log.Warn("chat.side_effect.failed", "job", name, "err", err)
		}
		return
	}
	if err := b.deps.Writer.Submit(retry.Job{Name: name, Run: fn}); err != nil {
		b.log.Error("chat.side_effect.dropped", "job", name, "err", err)
	}
}

func (b *Broker) stopTyping(room *Room, userID string) {
	if room.stopTyping(userID) {
		b.broadcastTyping(room, userID, false)
	}
}

func (b *Broker) broadcastTyping(room *Room, userID string, typing bool) {
	typ := v1.TypeUserStoppedTyping
	if typing {
		typ = v1.TypeUserTyping
	}
	room.Broadcast(
		b.envelope(typ, v1.TypingPayload{ConversationID: room.ID, UserID: userID}),
		func(m *Client) bool { return m.UserID == userID },
	)
}

func (b *Broker) displayName(operatorID string) string {
	if b.deps.Directory == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	op, err := b.deps.Directory.GetOperator(ctx, operatorID)
	if err != nil {
		return ""
	}
	return op.DisplayName
}

// storeErr passes typed errors through and hides everything else behind ErrUnavailable.
func (b *Broker) storeErr(op string, err error) error {
	if apperr.Known(err) {
		return err
	}
	b.log.Error("chat.store.failed", "op", op, "err", err)
	return apperr.E(op, apperr.ErrUnavailable, "message store unavailable")
}

func (b *Broker) envelope(typ string, payload any) v1.Envelope {
	return newEnvelope(typ, payload, b.now())
}

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: raw,
	}
}

func reachedOthers(recipients []string, senderID string) bool {
	for _, u := range recipients {
		if u != senderID {
			return true
		}
	}
	return false
}

// WireMessage converts a stored message to its protocol form.
func WireMessage(m StoredMessage) v1.Message {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Content:        m.Text,
		Type:           m.Kind,
		Status:         m.Status,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
	}
}
