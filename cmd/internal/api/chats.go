package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"livedesk/cmd/internal/presence"
)

// GET /operators/online
func (h *Handler) handleOnlineOperators(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, ""); !ok {
		return
	}
	online := h.deps.Presence.ListOnlineOperators(nil)
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": online})
}

// GET /conversations/{chatID}/messages?afterSeq=&limit=
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, "")
	if !ok {
		return
	}
	q := r.URL.Query()

	var afterSeq *int64
	if raw := strings.TrimSpace(q.Get("afterSeq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "afterSeq must be a non-negative integer")
			return
		}
		afterSeq = &n
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, hasMore, err := h.deps.Chats.History(r.Context(), p.UserID, presence.Role(p.Role), chi.URLParam(r, "chatID"), afterSeq, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "hasMore": hasMore})
}
