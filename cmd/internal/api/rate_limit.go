package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// principalLimiter gives every authenticated user a fixed request budget per window.
type principalLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*requestWindow
	lastGC  time.Time
}

type requestWindow struct {
	start time.Time
	count int
}

func newPrincipalLimiter(limit int, window time.Duration, now func() time.Time) *principalLimiter {
	return &principalLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]*requestWindow),
	}
}

// allow reports whether userID may make another request, and if not, how long until it may.
func (l *principalLimiter) allow(userID string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) >= l.window {
		for id, w := range l.windows {
			if now.Sub(w.start) >= l.window {
				delete(l.windows, id)
			}
		}
		l.lastGC = now
	}

	w, ok := l.windows[userID]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[userID] = &requestWindow{start: now, count: 1}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// rateLimit must run after RequireAuth.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if ok {
			if allowed, retryAfter := h.limiter.allow(p.UserID); !allowed {
				h.log.Warn("api.rate_limited", "user_id", p.UserID, "path", r.URL.Path)
				writeRateLimited(w, retryAfter)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
