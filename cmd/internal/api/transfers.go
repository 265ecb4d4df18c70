package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"livedesk/cmd/internal/presence"
	"livedesk/cmd/internal/transfer"
)

type requestTransferRequest struct {
	ChatID       string `json:"chatId"`
	ToOperatorID string `json:"toOperatorId"`
	Reason       string `json:"reason"`
}

type respondTransferRequest struct {
	Accepted *bool  `json:"accepted"`
	Note     string `json:"note"`
}

// POST /transfers: the active assignee asks another operator to take the chat.
func (h *Handler) handleRequestTransfer(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return
	}
	var req requestTransferRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	t, err := h.deps.Transfers.Request(r.Context(), req.ChatID, p.UserID, req.ToOperatorID, req.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// POST /transfers/{transferID}/respond
func (h *Handler) handleRespondTransfer(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return
	}
	var req respondTransferRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil || req.Accepted == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "accepted is required")
		return
	}
	t, err := h.deps.Transfers.Respond(r.Context(), chi.URLParam(r, "transferID"), p.UserID, *req.Accepted, req.Note)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /transfers/{transferID}: visible to the two operators involved.
func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return
	}
	t, err := h.deps.Transfers.Get(chi.URLParam(r, "transferID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if t.FromOperatorID != p.UserID && t.ToOperatorID != p.UserID {
		writeError(w, http.StatusNotFound, "not_found", "transfer not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /transfers/pending: transfers awaiting the caller's answer.
func (h *Handler) handlePendingTransfers(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, presence.RoleOperator)
	if !ok {
		return
	}
	list := h.deps.Transfers.ListPending(p.UserID)
	if list == nil {
		list = []transfer.Transfer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": list})
}
