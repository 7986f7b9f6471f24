package evaluator

import (
	"context"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/identity"
	"github.com/aeroling/oralexam/internal/ratelimit"
)

// Limits are the per-caller call budgets of each engine operation.
type Limits struct {
	Transcribe int
	Evaluate   int
	Window     time.Duration
}

// Guard rate-limits both engines per caller identity and operation. A denied
// call returns a RateLimitedError and never reaches the engine.
type Guard struct {
	limiter     *ratelimit.Limiter
	limits      Limits
	transcriber Transcriber
	evaluator   Evaluator
}

// NewGuard wraps the engines.
func NewGuard(limiter *ratelimit.Limiter, limits Limits, t Transcriber, e Evaluator) *Guard {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &Guard{limiter: limiter, limits: limits, transcriber: t, evaluator: e}
}

var (
	_ Transcriber = (*Guard)(nil)
	_ Evaluator   = (*Guard)(nil)
)

// Transcribe checks the transcribe budget, then calls the engine.
func (g *Guard) Transcribe(ctx context.Context, artifact *domain.RecordingArtifact) (domain.Transcript, error) {
	if err := g.check(ctx, OpTranscribe, g.limits.Transcribe); err != nil {
		return domain.Transcript{}, err
	}
	return g.transcriber.Transcribe(ctx, artifact)
}

// Evaluate checks the evaluate budget, then calls the engine.
func (g *Guard) Evaluate(ctx context.Context, req EvaluationRequest) (domain.AnswerEvaluation, error) {
	if err := g.check(ctx, OpEvaluate, g.limits.Evaluate); err != nil {
		return domain.AnswerEvaluation{}, err
	}
	return g.evaluator.Evaluate(ctx, req)
}

func (g *Guard) check(ctx context.Context, op string, limit int) error {
	d := g.limiter.Check(ctx, ratelimit.Key(identity.CallerFromContext(ctx), op), limit, g.limits.Window)
	if d.Allowed {
		return nil
	}
	return &domain.RateLimitedError{Op: op, Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt}
}
