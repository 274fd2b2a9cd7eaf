// Package identity reads the firm and user principal injected by the
// upstream gateway.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	FirmHeaderName   = "X-Firm-ID"
	UserHeaderName   = "X-User-ID"
	IngestHeaderName = "X-Ingest-Token"
)

type contextKey int

const (
	firmIDKey contextKey = iota
	userIDKey
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// Principal is the caller of an API request.
type Principal struct {
	FirmID string
	UserID string
}

// FirmIDFromContext extracts the firm ID from the request context.
func FirmIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(firmIDKey).(string); ok {
		return v
	}
	return ""
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p := Principal{FirmID: FirmIDFromContext(ctx), UserID: UserIDFromContext(ctx)}
	return p, p.FirmID != "" && p.UserID != ""
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, firmIDKey, p.FirmID)
	return context.WithValue(ctx, userIDKey, p.UserID)
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if !idPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware requires the gateway identity headers. Browsers cannot set
// headers on EventSource or WebSocket requests, so firm_id and user_id query
// parameters are accepted when devQuery is true.
func Middleware(devQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			firm := r.Header.Get(FirmHeaderName)
			user := r.Header.Get(UserHeaderName)
			if devQuery {
				if firm == "" {
					firm = r.URL.Query().Get("firm_id")
				}
				if user == "" {
					user = r.URL.Query().Get("user_id")
				}
			}
			p := Principal{FirmID: sanitizeID(firm), UserID: sanitizeID(user)}
			if p.FirmID == "" || p.UserID == "" {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"missing or invalid identity headers"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
