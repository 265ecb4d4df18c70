package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/presence"
	"livedesk/cmd/internal/queue"
)

type enqueueRequest struct {
	ChatID   string   `json:"chatId"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

type queueEntryResponse struct {
	QueueID              string    `json:"queueId"`
	VisitorID            string    `json:"visitorId"`
	ChatID               string    `json:"chatId"`
	Priority             int       `json:"priority"`
	QueuedAt             time.Time `json:"queuedAt"`
	Status               string    `json:"status"`
	EstimatedWaitSeconds int64     `json:"estimatedWaitTime"`
	Tags                 []string  `json:"tags,omitempty"`
}

type positionResponse struct {
	QueueID              string `json:"queueId"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimatedWaitTime"`
	TotalInQueue         int    `json:"totalInQueue"`
}

func toQueueEntryResponse(e queue.Entry) queueEntryResponse {
	return queueEntryResponse{
		QueueID:              e.QueueID,
		VisitorID:            e.VisitorID,
		ChatID:               e.ChatID,
		Priority:             e.Priority,
		QueuedAt:             e.QueuedAt,
		Status:               string(e.Status),
		EstimatedWaitSeconds: int64(e.EstimatedWait / time.Second),
		Tags:                 e.Tags,
	}
}

// POST /queue: the calling visitor asks for an operator.
func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleVisitor)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := decodeOptionalJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	if req.Priority < 0 || req.Priority > h.cfg.MaxPriority {
		writeError(w, http.StatusBadRequest, "invalid_input", "priority out of range")
		return
	}

	now := h.now()
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = ids.MustULID(now)
	}
	if _, err := h.deps.Conversations.EnsureConversation(r.Context(), chatID, p.UserID, now); err != nil {
		writeAppError(w, err)
		return
	}

	entry, err := h.deps.Queue.Enqueue(p.UserID, chatID, req.Priority, req.Tags)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toQueueEntryResponse(entry))
}

// GET /queue: operators see the waiting line.
func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, presence.RoleOperator); !ok {
		return
	}
	waiting := h.deps.Queue.Waiting()
	out := make([]queueEntryResponse, 0, len(waiting))
	for _, e := range waiting {
		out = append(out, toQueueEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// GET /queue/{queueID}: position of a waiting entry.
func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.ownedEntry(w, r)
	if !ok {
		return
	}
	pos, err := h.deps.Queue.Position(entry.QueueID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		QueueID:              pos.QueueID,
		Position:             pos.Position,
		EstimatedWaitSeconds: int64(pos.EstimatedWait / time.Second),
		TotalInQueue:         pos.TotalInQueue,
	})
}

// DELETE /queue/{queueID}: the visitor gives up waiting.
func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.ownedEntry(w, r)
	if !ok {
		return
	}
	out, err := h.deps.Queue.Abandon(entry.QueueID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueEntryResponse(out))
}

// ownedEntry loads the path entry. Visitors only see their own entries; operators see all.
func (h *Handler) ownedEntry(w http.ResponseWriter, r *http.Request) (queue.Entry, bool) {
	p, ok := requireRole(w, r, "")
	if !ok {
		return queue.Entry{}, false
	}
	entry, found := h.deps.Queue.Get(chi.URLParam(r, "queueID"))
	if !found || (!p.IsOperator() && entry.VisitorID != p.UserID) {
		writeError(w, http.StatusNotFound, "not_found", "queue entry not found")
		return queue.Entry{}, false
	}
	return entry, true
}
