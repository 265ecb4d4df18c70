package api

import (
	"context"
	"net/http"

	"livedesk/cmd/internal/auth/session"
	"livedesk/cmd/internal/presence"
)

type principalKey struct{}

// RequireAuth rejects requests without a valid bearer token and stores the principal in the
// request context.
func RequireAuth(v session.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := session.BearerToken(r.Header.Get("Authorization"))
			if token == "" || v == nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			p, err := v.Verify(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

// PrincipalFrom returns the authenticated principal of a request that passed RequireAuth.
func PrincipalFrom(ctx context.Context) (session.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(session.Principal)
	return p, ok
}

// requireRole writes 403 unless the request principal has role. It returns the principal.
func requireRole(w http.ResponseWriter, r *http.Request, role presence.Role) (session.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing principal")
		return session.Principal{}, false
	}
	if role != "" && presence.Role(p.Role) != role {
		writeError(w, http.StatusForbidden, "forbidden", string(role)+" role required")
		return session.Principal{}, false
	}
	return p, true
}
