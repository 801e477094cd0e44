package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type ctxKey string

const (
	ctxUserKey ctxKey = "auth.user"
	ctxRoleKey ctxKey = "auth.role"
)

// publicPaths never require authentication, grounded on the teacher's
// httpapi.publicPaths allowlist.
var publicPaths = map[string]struct{}{
	"/healthz":    {},
	"/metrics":    {},
	"/auth/login": {},
}

// adminPrefixes require the "admin" role in addition to a valid token.
var adminPrefixes = []string{
	"/admin",
}

// Middleware builds an http.Handler wrapper enforcing bearer-token or JWT
// authentication, skipping publicPaths and requiring the admin role for
// adminPrefixes.
func Middleware(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := publicPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			token := extractToken(r)
			if token == "" {
				unauthorized(w)
				return
			}
			if m.ValidToken(token) {
				ctx := context.WithValue(r.Context(), ctxUserKey, "token")
				ctx = context.WithValue(ctx, ctxRoleKey, "admin")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			claims, err := m.Validate(token)
			if err != nil {
				unauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserKey, claims.Username)
			ctx = context.WithValue(ctx, ctxRoleKey, claims.Role)
			if isAdminPath(r.URL.Path) && claims.Role != "admin" {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated username, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(ctxUserKey).(string)
	return u, ok
}

// RoleFromContext returns the authenticated principal's role, if any.
func RoleFromContext(ctx context.Context) (string, bool) {
	r, ok := ctx.Value(ctxRoleKey).(string)
	return r, ok
}

func isAdminPath(path string) bool {
	for _, p := range adminPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, fmt.Errorf("unauthorized").Error(), http.StatusUnauthorized)
}

func forbidden(w http.ResponseWriter) {
	http.Error(w, fmt.Errorf("forbidden: admin role required").Error(), http.StatusForbidden)
}
