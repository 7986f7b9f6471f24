package evaluator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errgrpc"
)

// classifyTransportError maps a failed round trip to the failure taxonomy.
// Caller cancellation is returned unchanged.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewFailure(domain.FailureAIServiceUnavailable, op, err)
	}
	return domain.NewFailure(domain.FailureNetworkUnavailable, op, err)
}

// classifyStatus maps a non-2xx HTTP response to the failure taxonomy.
func classifyStatus(op string, code int, body []byte) error {
	if len(body) > 256 {
		body = body[:256]
	}
	err := fmt.Errorf("engine returned %d: %s", code, body)
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return domain.NewFailure(domain.FailureAIServiceUnavailable, op, err)
	default:
		return domain.NewFailure(domain.FailureUploadRejected, op, err)
	}
}

// classifyGRPC maps a gRPC status error to the failure taxonomy. Only a
// cancellation by the caller is returned unclassified; one coming from the
// engine side is a transient failure.
func classifyGRPC(ctx context.Context, op string, err error) error {
	native := errgrpc.ToNative(err)
	switch {
	case errdefs.IsCanceled(native) && ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ctx.Err(), native)
	case errdefs.IsInvalidArgument(native):
		return domain.NewFailure(domain.FailureUploadRejected, op, native)
	case errdefs.IsDataLoss(native):
		return domain.NewFailure(domain.FailureMalformedEvaluation, op, native)
	default:
		// Unavailable, DeadlineExceeded, ResourceExhausted and anything else
		// from the engine side.
		return domain.NewFailure(domain.FailureAIServiceUnavailable, op, native)
	}
}
