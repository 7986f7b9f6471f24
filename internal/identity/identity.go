// Package identity resolves who is calling: the authenticated user supplied
// by the upstream proxy, and the caller key used for rate limiting.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// DefaultUserHeader carries the user id set by the authenticating proxy.
	DefaultUserHeader = "X-Authenticated-User"
	// Anonymous is the caller key when neither a user nor an address is known.
	Anonymous = "anonymous"
)

type contextKey int

const (
	userIDKey contextKey = iota
	callerKey
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)

// UserIDFromContext extracts the authenticated user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// CallerFromContext returns the rate-limit identity of the caller.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok && v != "" {
		return v
	}
	return Anonymous
}

// WithCaller returns ctx carrying userID (may be empty) and the derived caller key.
func WithCaller(ctx context.Context, userID, remoteIP string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, callerKey, CallerKey(userID, remoteIP))
}

// CallerKey picks the user id, else the network address, else Anonymous.
func CallerKey(userID, remoteIP string) string {
	if userID != "" {
		return "user:" + userID
	}
	if remoteIP != "" {
		return "ip:" + remoteIP
	}
	return Anonymous
}

func sanitizeUserID(id string) string {
	id = strings.TrimSpace(id)
	if !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware resolves the caller from header (the trusted user header) and
// the remote address. Run it after chi's RealIP.
func Middleware(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultUserHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := sanitizeUserID(r.Header.Get(header))
			ctx := WithCaller(r.Context(), userID, IPFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects requests without an authenticated user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFromContext(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
