package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/yourorg/orgbridge/internal/security/audit"
	"github.com/yourorg/orgbridge/internal/security/auth"
	"github.com/yourorg/orgbridge/internal/security/ratelimit"
)

type AccountContextKey struct{}
type ClaimsContextKey struct{}

// isPublic lists the endpoints the remote platform or an unauthenticated
// browser must be able to reach: callback delivery, the QR login flow,
// and the operational probes.
func isPublic(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics" ||
		strings.HasPrefix(path, "/callback/") ||
		strings.HasPrefix(path, "/api/login/") ||
		strings.HasPrefix(path, "/login/confirm") ||
		strings.HasPrefix(path, "/ws/sync/")
}

func JWTMiddleware(tm *auth.TokenManager, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing auth"}`, http.StatusUnauthorized)
				return
			}

			tokenString, err := auth.ExtractToken(authHeader)
			if err != nil {
				http.Error(w, `{"error":"invalid auth"}`, http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey{}, claims)
			ctx = context.WithValue(ctx, AccountContextKey{}, claims.AccountID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RateLimitMiddleware(limiter *ratelimit.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// login ticket issuance gets its own tight per-address budget
			if r.Method == http.MethodPost && r.URL.Path == "/api/login/qr" {
				if !limiter.AllowLogin(clientAddr(r)) {
					http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			accountID := GetAccountFromContext(r.Context())
			if !limiter.Allow(accountID) {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func AuditMiddleware(auditLog *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := GetAccountFromContext(r.Context())

			switch {
			case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/sync/"):
				auditLog.LogSyncStart(r.Context(), r.PathValue("appKey"), accountID, "")
			case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/sync/runs/"):
				auditLog.LogSyncCancel(r.Context(), "", accountID, r.PathValue("runID"))
			case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
				auditLog.LogMessageSend(r.Context(), r.PathValue("appKey"), accountID, "", "initiated")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func GetAccountFromContext(ctx context.Context) string {
	if a := ctx.Value(AccountContextKey{}); a != nil {
		return a.(string)
	}
	return ""
}

func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	if c := ctx.Value(ClaimsContextKey{}); c != nil {
		return c.(*auth.Claims)
	}
	return nil
}
