// Package apperr defines the error taxonomy shared by the queue, assignment, transfer and
// realtime packages. Every kind maps to a stable wire code that clients translate for display.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Callers match with errors.Is.
var (
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrForbidden              = errors.New("forbidden")
	ErrAlreadyQueued          = errors.New("already queued")
	ErrOperatorAtCapacity     = errors.New("operator at capacity")
	ErrChatAlreadyAssigned    = errors.New("chat already assigned")
	ErrNotPending             = errors.New("not pending")
	ErrNotOwner               = errors.New("not owner")
	ErrNotActive              = errors.New("not active")
	ErrNotActiveAssignee      = errors.New("not active assignee")
	ErrTargetOffline          = errors.New("target offline")
	ErrTargetAtCapacity       = errors.New("target at capacity")
	ErrTransferAlreadyPending = errors.New("transfer already pending")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnavailable            = errors.New("unavailable")
)

// Error is a typed operation error with a stable Op + Kind contract.
// Kind MUST be one of the sentinel kinds above; Msg is human-readable context.
type Error struct {
	Op   string
	Kind error
	Msg  string
}

func (e Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e Error) Unwrap() error { return e.Kind }

// E builds an Error.
func E(op string, kind error, msg string) error {
	return Error{Op: op, Kind: kind, Msg: msg}
}

// Ef builds an Error with a formatted message.
func Ef(op string, kind error, format string, args ...any) error {
	return Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

type kindInfo struct {
	kind   error
	code   string
	status int
}

var kinds = []kindInfo{
	{ErrUnauthenticated, "unauthenticated", http.StatusUnauthorized},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrAlreadyQueued, "already_queued", http.StatusConflict},
	{ErrOperatorAtCapacity, "operator_at_capacity", http.StatusConflict},
	{ErrChatAlreadyAssigned, "chat_already_assigned", http.StatusConflict},
	{ErrNotPending, "not_pending", http.StatusConflict},
	{ErrNotOwner, "not_owner", http.StatusForbidden},
	{ErrNotActive, "not_active", http.StatusConflict},
	{ErrNotActiveAssignee, "not_active_assignee", http.StatusForbidden},
	{ErrTargetOffline, "target_offline", http.StatusConflict},
	{ErrTargetAtCapacity, "target_at_capacity", http.StatusConflict},
	{ErrTransferAlreadyPending, "transfer_already_pending", http.StatusConflict},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrInvalidInput, "invalid_input", http.StatusBadRequest},
	{ErrUnavailable, "unavailable", http.StatusServiceUnavailable},
}

func lookup(err error) (kindInfo, bool) {
	for _, k := range kinds {
		if errors.Is(err, k.kind) {
			return k, true
		}
	}
	return kindInfo{}, false
}

// Code returns the stable wire code for err, or "internal" for untyped errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if k, ok := lookup(err); ok {
		return k.code
	}
	return "internal"
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Message returns a client-safe message. Untyped errors never leak their text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return e.Kind.Error()
	}
	if k, ok := lookup(err); ok {
		return k.kind.Error()
	}
	return "internal error"
}

// Is reports whether err carries kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }

// Known reports whether err carries one of the sentinel kinds.
func Known(err error) bool {
	_, ok := lookup(err)
	return ok
}
