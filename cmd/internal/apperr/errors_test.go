package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeAndStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{err: E("queue.Enqueue", ErrAlreadyQueued, "visitor v1"), wantCode: "already_queued", wantStatus: http.StatusConflict},
		{err: fmt.Errorf("wrap: %w", E("assignment.Create", ErrOperatorAtCapacity, "")), wantCode: "operator_at_capacity", wantStatus: http.StatusConflict},
		{err: ErrNotFound, wantCode: "not_found", wantStatus: http.StatusNotFound},
		{err: E("realtime.JoinRoom", ErrForbidden, ""), wantCode: "forbidden", wantStatus: http.StatusForbidden},
		{err: errors.New("boom"), wantCode: "internal", wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := Code(tc.err); got != tc.wantCode {
			t.Fatalf("Code(%v)=%q want=%q", tc.err, got, tc.wantCode)
		}
		if got := HTTPStatus(tc.err); got != tc.wantStatus {
			t.Fatalf("HTTPStatus(%v)=%d want=%d", tc.err, got, tc.wantStatus)
		}
	}
}

func TestMessage_DoesNotLeakUntyped(t *testing.T) {
	t.Parallel()

	if got := Message(errors.New("pq: password authentication failed")); got != "internal error" {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := Message(E("op", ErrNotOwner, "")); got != "not owner" {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := Message(E("op", ErrNotOwner, "assignment belongs to op-2")); got != "assignment belongs to op-2" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	err := E("transfer.Request", ErrTransferAlreadyPending, "chat c1")
	if !errors.Is(err, ErrTransferAlreadyPending) {
		t.Fatalf("expected errors.Is to match kind")
	}
	if err.Error() != "transfer.Request: transfer already pending: chat c1" {
		t.Fatalf("unexpected Error(): %q", err.Error())
	}
}

func TestKnown(t *testing.T) {
	if !Known(fmt.Errorf("wrapped: %w", E("op", ErrNotFound, ""))) {
		t.Fatalf("wrapped typed error should be known")
	}
	if Known(errors.New("boom")) {
		t.Fatalf("plain error should not be known")
	}
}
