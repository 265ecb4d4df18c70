package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/auth/session"
	"livedesk/cmd/internal/presence"
)

type createAssignmentRequest struct {
	OperatorID string `json:"operatorId"`
	VisitorID  string `json:"visitorId"`
	ChatID     string `json:"chatId"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// POST /assignments: direct assignment by an operator, to themselves unless operatorId is set.
func (h *Handler) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return
	}
	var req createAssignmentRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	req.VisitorID = strings.TrimSpace(req.VisitorID)
	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.VisitorID == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "visitorId and chatId are required")
		return
	}
	operatorID := strings.TrimSpace(req.OperatorID)
	if operatorID == "" {
		operatorID = p.UserID
	}
	if _, err := h.deps.Conversations.EnsureConversation(r.Context(), req.ChatID, req.VisitorID, h.now()); err != nil {
		writeAppError(w, err)
		return
	}
	a, err := h.deps.Assignments.Create(r.Context(), operatorID, req.VisitorID, req.ChatID, assignment.DirectSource{})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GET /assignments?operatorId=&visitorId=&chatId=&status=: operators list any; visitors only their own.
func (h *Handler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, "")
	if !ok {
		return
	}
	q := r.URL.Query()
	f := assignment.Filter{
		OperatorID: strings.TrimSpace(q.Get("operatorId")),
		VisitorID:  strings.TrimSpace(q.Get("visitorId")),
		ChatID:     strings.TrimSpace(q.Get("chatId")),
	}
	if !p.IsOperator() {
		f.VisitorID = p.UserID
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			st := assignment.Status(strings.ToUpper(strings.TrimSpace(s)))
			if st == "" {
				continue
			}
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_input", "unknown status "+string(st))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	list := h.deps.Assignments.List(f)
	if list == nil {
		list = []assignment.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": list})
}

// GET /assignments/{assignmentID}
func (h *Handler) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	if a, ok := h.visibleAssignment(w, r); ok {
		writeJSON(w, http.StatusOK, a)
	}
}

func (h *Handler) handleAcceptAssignment(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return
	}
	a, err := h.deps.Assignments.Accept(r.Context(), chi.URLParam(r, "assignmentID"), p.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleStartAssignment(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return
	}
	a, err := h.deps.Assignments.Start(r.Context(), chi.URLParam(r, "assignmentID"), p.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleCompleteAssignment(w http.ResponseWriter, r *http.Request) {
	a, reason, ok := h.ownedAssignment(w, r)
	if !ok {
		return
	}
	out, err := h.deps.Assignments.Complete(r.Context(), a.ID, reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCancelAssignment(w http.ResponseWriter, r *http.Request) {
	a, reason, ok := h.ownedAssignment(w, r)
	if !ok {
		return
	}
	out, err := h.deps.Assignments.Cancel(r.Context(), a.ID, reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedAssignment loads the path assignment for its operator and decodes an optional reason.
func (h *Handler) ownedAssignment(w http.ResponseWriter, r *http.Request) (assignment.Assignment, string, bool) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return assignment.Assignment{}, "", false
	}
	var req reasonRequest
	if err := decodeOptionalJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return assignment.Assignment{}, "", false
	}
	a, err := h.deps.Assignments.Get(chi.URLParam(r, "assignmentID"))
	if err != nil {
		writeAppError(w, err)
		return assignment.Assignment{}, "", false
	}
	if a.OperatorID != p.UserID {
		writeError(w, http.StatusForbidden, "not_owner", "assignment belongs to another operator")
		return assignment.Assignment{}, "", false
	}
	return a, strings.TrimSpace(req.Reason), true
}

// visibleAssignment loads the path assignment. Visitors only see their own.
func (h *Handler) visibleAssignment(w http.ResponseWriter, r *http.Request) (assignment.Assignment, bool) {
	p, ok := requireRole(w, r, "")
	if !ok {
		return assignment.Assignment{}, false
	}
	a, err := h.deps.Assignments.Get(chi.URLParam(r, "assignmentID"))
	if err != nil {
		writeAppError(w, err)
		return assignment.Assignment{}, false
	}
	if !canSeeAssignment(p, a) {
		writeError(w, http.StatusNotFound, "not_found", "assignment not found")
		return assignment.Assignment{}, false
	}
	return a, true
}

func canSeeAssignment(p session.Principal, a assignment.Assignment) bool {
	return p.IsOperator() || a.VisitorID == p.UserID
}
