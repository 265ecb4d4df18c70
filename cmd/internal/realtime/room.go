package realtime

import (
	"sync"
	"time"

	v1 "livedesk/shared/contracts/realtime/v1"
)

// Room is the live membership of one chat plus its typing state.
//
// seq is the chat's single sequence point. SendMessage and PostSystemMessage both hold it across
// the store append and the fan-out, so every member observes messages in seq order. mu guards
// membership only and Broadcast never blocks on a slow member.
type Room struct {
	ID string

	seq sync.Mutex

	mu      sync.RWMutex
	members map[string]*Client

	tmu    sync.Mutex
	typing map[string]*typingState
}

type typingState struct {
	gen   uint64
	timer *time.Timer
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[string]*Client),
		typing:  make(map[string]*typingState),
	}
}

// Join adds a client to membership. It reports whether the connection was new to the room.
func (r *Room) Join(c *Client) bool {
	if c == nil || c.ConnectionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[c.ConnectionID]; ok {
		return false
	}
	r.members[c.ConnectionID] = c
	return true
}

// Leave removes a connection. It reports whether the connection was a member.
func (r *Room) Leave(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[connectionID]; !ok {
		return false
	}
	delete(r.members, connectionID)
	return true
}

// IsMember reports whether the connection is in the room.
func (r *Room) IsMember(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connectionID]
	return ok
}

// HasUser reports whether any connection of userID is in the room.
func (r *Room) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Members returns a snapshot of the connected clients.
func (r *Room) Members() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// Len returns the number of member connections.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every member for which skip returns false and returns the user ids
// that received it. Full queues drop the envelope rather than block the room.
func (r *Room) Broadcast(env v1.Envelope, skip func(*Client) bool) []string {
	got, _ := r.Fanout(env, skip)
	return got
}

// Fanout is Broadcast that also returns the members whose queue refused env.
func (r *Room) Fanout(env v1.Envelope, skip func(*Client) bool) (got []string, refused []*Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil || (skip != nil && skip(m)) {
			continue
		}
		if m.Enqueue(env) {
			got = append(got, m.UserID)
		} else {
			refused = append(refused, m)
		}
	}
	return got, refused
}

// startTyping marks userID typing and (re)arms its idle timer. It reports whether the user was
// not typing before. onIdle runs once when the timer wins against later start/stop calls.
func (r *Room) startTyping(userID string, idle time.Duration, onIdle func()) bool {
	r.tmu.Lock()
	defer r.tmu.Unlock()

	st, was := r.typing[userID]
	if !was {
		st = &typingState{}
		r.typing[userID] = st
	} else if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(idle, func() {
		if r.clearTypingIf(userID, gen) {
			onIdle()
		}
	})
	return !was
}

// stopTyping clears userID's typing flag. It reports whether the user was typing.
func (r *Room) stopTyping(userID string) bool {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	st, ok := r.typing[userID]
	if !ok {
		return false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(r.typing, userID)
	return true
}

func (r *Room) clearTypingIf(userID string, gen uint64) bool {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	st, ok := r.typing[userID]
	if !ok || st.gen != gen {
		return false
	}
	delete(r.typing, userID)
	return true
}

// IsTyping reports whether userID currently has the typing flag.
func (r *Room) IsTyping(userID string) bool {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	_, ok := r.typing[userID]
	return ok
}

func (r *Room) stopAllTyping() {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	for id, st := range r.typing {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.typing, id)
	}
}
