// Package api provides HTTP handlers for the oral exam API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/progression"
	"github.com/aeroling/oralexam/internal/ratelimit"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
)

// Rate-limit metadata headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorBody is the JSON shape of a failed request.
type errorBody struct {
	Error   string             `json:"error"`
	Failure domain.FailureKind `json:"failure,omitempty"`
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	var rl *domain.RateLimitedError
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, progression.ErrSessionLocked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownCategory), errors.Is(err, domain.ErrQuestionOutOfRange):
		return http.StatusNotFound
	case errdefs.IsAlreadyExists(err):
		return http.StatusConflict
	}
	switch domain.FailureKindOf(err) {
	case domain.FailureUploadRejected, domain.FailureMalformedEvaluation:
		return http.StatusBadGateway
	case domain.FailureNetworkUnavailable, domain.FailureAIServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return errhttp.ToHTTP(err)
}

// WriteError writes err with the status StatusFor picks. Server errors are
// logged and their message is not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}
	if kind := domain.FailureKindOf(err); kind != domain.FailureUnknown {
		body.Failure = kind
	}
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		setRetryAfter(w, rl.ResetAt)
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		body.Error = http.StatusText(status)
	}
	Respond(w, r, status, body)
}

// Respond writes v as JSON after attaching the rate-limit metadata recorded
// while serving r.
func Respond(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if rec := ratelimit.RecorderFrom(r.Context()); rec != nil {
		if d, ok := rec.Tightest(); ok {
			SetRateLimitHeaders(w, d)
		}
	}
	JSON(w, status, v)
}

// SetRateLimitHeaders exposes a limiter decision to the client.
func SetRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		setRetryAfter(w, d.ResetAt)
	}
}

func setRetryAfter(w http.ResponseWriter, resetAt time.Time) {
	secs := int(time.Until(resetAt).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// RateLimitRecorder installs a ratelimit.Recorder in every request context.
func RateLimitRecorder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := ratelimit.WithRecorder(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
