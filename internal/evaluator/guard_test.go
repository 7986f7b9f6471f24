package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/identity"
	"github.com/aeroling/oralexam/internal/ratelimit"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEngine struct {
	MockEngine
	transcribes int
	evaluates   int
}

func (c *countingEngine) Transcribe(ctx context.Context, a *domain.RecordingArtifact) (domain.Transcript, error) {
	c.transcribes++
	return c.MockEngine.Transcribe(ctx, a)
}

func (c *countingEngine) Evaluate(ctx context.Context, req EvaluationRequest) (domain.AnswerEvaluation, error) {
	c.evaluates++
	return c.MockEngine.Evaluate(ctx, req)
}

func TestGuardBlocksWithoutCallingEngine(t *testing.T) {
	now := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(0),
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithRand(func() float64 { return 1 }))
	engine := &countingEngine{}
	g := NewGuard(limiter, Limits{Transcribe: 2, Evaluate: 1, Window: time.Minute}, engine, engine)

	ctx := identity.WithCaller(context.Background(), "pilot-1", "")
	ctx, rec := ratelimit.WithRecorder(ctx)

	for i := 0; i < 2; i++ {
		_, err := g.Transcribe(ctx, testArtifact())
		require.NoError(t, err)
	}
	_, err := g.Transcribe(ctx, testArtifact())
	var rl *domain.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, OpTranscribe, rl.Op)
	assert.Equal(t, 2, rl.Limit)
	assert.Equal(t, 0, rl.Remaining)
	assert.Equal(t, now.Add(time.Minute), rl.ResetAt)
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Equal(t, 2, engine.transcribes)

	_, err = g.Evaluate(ctx, NewEvaluationRequest("q", "a b c", 5))
	require.NoError(t, err)
	_, err = g.Evaluate(ctx, NewEvaluationRequest("q", "a b c", 5))
	assert.Equal(t, domain.FailureRateLimited, domain.FailureKindOf(err))
	assert.Equal(t, 1, engine.evaluates)

	d, ok := rec.Tightest()
	require.True(t, ok)
	assert.False(t, d.Allowed)

	// Another caller has its own budget.
	other := identity.WithCaller(context.Background(), "pilot-2", "")
	_, err = g.Evaluate(other, NewEvaluationRequest("q", "a", 5))
	assert.NoError(t, err)
}

func TestNewEnginesMockMode(t *testing.T) {
	e, err := NewEngines(context.Background(), Config{Mode: "mock"}, nil)
	require.NoError(t, err)
	defer e.Close()

	tr, err := e.Transcriber.Transcribe(context.Background(), testArtifact())
	require.NoError(t, err)
	eval, err := e.Evaluator.Evaluate(context.Background(), NewEvaluationRequest("q", tr.Text, 12))
	require.NoError(t, err)
	assert.NoError(t, eval.Validate())
}

func TestNewEnginesRejectsUnknownMode(t *testing.T) {
	_, err := NewEngines(context.Background(), Config{Mode: "carrier-pigeon", TranscriptionURL: "http://t", EvaluationURL: "http://e"}, nil)
	assert.Error(t, err)
}
