package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// FailureKind classifies pipeline failures for callers.
type FailureKind string

const (
	// FailurePermissionDenied means microphone access was refused. Needs user action.
	FailurePermissionDenied FailureKind = "permission_denied"
	// FailureNetworkUnavailable means the service could not be reached.
	FailureNetworkUnavailable FailureKind = "network_unavailable"
	// FailureUploadRejected means the upload was refused; safe to retry.
	FailureUploadRejected FailureKind = "upload_rejected"
	// FailureAIServiceUnavailable means an AI engine is down or timed out.
	FailureAIServiceUnavailable FailureKind = "ai_service_unavailable"
	// FailureMalformedEvaluation means the evaluator answered with an unusable payload.
	FailureMalformedEvaluation FailureKind = "malformed_evaluation"
	// FailureRateLimited is a deferred success: try again after the reset time.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureUnknown is anything that could not be classified.
	FailureUnknown FailureKind = "unknown"
)

// Retryable reports whether the coordinator may automatically retry this kind.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureNetworkUnavailable, FailureUploadRejected, FailureAIServiceUnavailable:
		return true
	default:
		return false
	}
}

func (k FailureKind) class() error {
	switch k {
	case FailurePermissionDenied:
		return errdefs.ErrPermissionDenied
	case FailureNetworkUnavailable, FailureAIServiceUnavailable:
		return errdefs.ErrUnavailable
	case FailureUploadRejected:
		return errdefs.ErrAborted
	case FailureMalformedEvaluation:
		return errdefs.ErrDataLoss
	case FailureRateLimited:
		return errdefs.ErrResourceExhausted
	default:
		return errdefs.ErrUnknown
	}
}

// Failure is a typed pipeline failure. It matches the errdefs class of its kind,
// so errdefs.IsUnavailable and friends work on it.
type Failure struct {
	Kind FailureKind
	Op   string
	Err  error
}

// NewFailure wraps err with a kind and the failing operation.
func NewFailure(kind FailureKind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

// Unwrap exposes both the errdefs class and the cause.
func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind.class()}
	}
	return []error{f.Kind.class(), f.Err}
}

// RateLimitedError is returned instead of calling an engine when the caller is over its limit.
type RateLimitedError struct {
	Op        string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited until %s", e.Op, e.ResetAt.UTC().Format(time.RFC3339))
}

// Unwrap lets errdefs.IsResourceExhausted match.
func (e *RateLimitedError) Unwrap() error {
	return errdefs.ErrResourceExhausted
}

// FailureKindOf classifies any error returned by the pipeline.
func FailureKindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return FailureRateLimited
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureUnknown
}
