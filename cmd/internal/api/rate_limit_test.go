package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livedesk/cmd/internal/auth/session"
)

func TestPrincipalLimiter_Window(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	l := newPrincipalLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("op-1"); !ok {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	now = now.Add(20 * time.Second)
	ok, retry := l.allow("op-1")
	if ok {
		t.Fatalf("third request inside the window should be limited")
	}
	if retry != 40*time.Second {
		t.Fatalf("expected retry=40s, got %v", retry)
	}
	if ok, _ := l.allow("op-2"); !ok {
		t.Fatalf("budgets are per user")
	}

	now = now.Add(40 * time.Second)
	if ok, _ := l.allow("op-1"); !ok {
		t.Fatalf("a new window should reset the budget")
	}
}

func TestRateLimitMiddleware_RetryAfter(t *testing.T) {
	h := NewHandler(Config{RateLimit: 1, RateWindow: time.Minute}, Deps{})
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mw := h.rateLimit(next)

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/queue", nil)
		r = r.WithContext(context.WithValue(r.Context(), principalKey{}, session.Principal{UserID: "v-1", Role: session.RoleVisitor}))
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, r)
		return rr
	}

	if rr := req(); rr.Code != http.StatusNoContent {
		t.Fatalf("first request: %d", rr.Code)
	}
	rr := req()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}
