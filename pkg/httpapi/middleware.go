package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/txn2/steptracker/pkg/auth"
)

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-ID"

type contextKey int

const requestIDKey contextKey = iota

// RequestID returns the correlation ID assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID propagates an incoming X-Request-ID or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// extractToken reads a Bearer token, falling back to the X-API-Key header.
func extractToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token
	}
	return r.Header.Get("X-API-Key")
}

// authenticate puts the caller's Principal in the request context. With a
// non-empty role, principals lacking it are refused.
func authenticate(a auth.Authenticator, role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" || a == nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			ctx := auth.WithToken(r.Context(), token)
			p, err := a.Authenticate(ctx)
			if err != nil {
				slog.Debug("authentication failed",
					"request_id", RequestID(r.Context()), "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			if role != "" && !p.HasRole(role) {
				writeError(w, http.StatusForbidden, role+" role required")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, p)))
		})
	}
}

// recoveryLogger adapts slog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	slog.Error("http handler panic", "detail", fmt.Sprint(v...))
}
