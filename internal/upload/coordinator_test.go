package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSubmitter struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scriptedSubmitter) Submit(_ context.Context, _ *domain.RecordingArtifact) (*domain.SubmissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.results) && s.results[i] != nil {
		return nil, s.results[i]
	}
	return &domain.SubmissionResult{
		Transcript: domain.Transcript{Text: "I fly A320s"},
		Evaluation: domain.AnswerEvaluation{Fluency: 80, Grammar: 80, Vocabulary: 80, Pronunciation: 80},
	}, nil
}

func (s *scriptedSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func failure(kind domain.FailureKind) error {
	return domain.NewFailure(kind, "test", errors.New(string(kind)))
}

type waits struct {
	mu sync.Mutex
	d  []time.Duration
}

func (w *waits) sleep(_ context.Context, d time.Duration) error {
	w.mu.Lock()
	w.d = append(w.d, d)
	w.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		MaxAttempts:     3,
		AttemptTimeout:  time.Second,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      time.Second,
		Multiplier:      2,
		AIBackoffFactor: 3,
	}
}

func newCoordinator(sub *scriptedSubmitter, w *waits, opts ...Option) *Coordinator {
	artifact := &domain.RecordingArtifact{ID: "a1", Audio: []byte("x"), MimeType: "audio/webm"}
	opts = append([]Option{WithSleep(w.sleep)}, opts...)
	return New(artifact, sub.Submit, testConfig(), opts...)
}

func TestSubmitSucceedsAfterRetryableFailures(t *testing.T) {
	sub := &scriptedSubmitter{results: []error{
		failure(domain.FailureNetworkUnavailable),
		failure(domain.FailureUploadRejected),
	}}
	w := &waits{}
	c := newCoordinator(sub, w)

	out := c.Submit(context.Background())
	require.Equal(t, StateSucceeded, out.State)
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "I fly A320s", out.Result.Transcript.Text)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, w.d)
}

func TestSkipOnlyAfterMaxAttempts(t *testing.T) {
	unavailable := failure(domain.FailureNetworkUnavailable)
	sub := &scriptedSubmitter{results: []error{unavailable, unavailable, unavailable, unavailable}}
	var states []State
	c := newCoordinator(sub, &waits{}, WithOnProgress(func(p Progress) { states = append(states, p.State) }))

	require.ErrorIs(t, c.Skip(), ErrSkipUnavailable, "skip before any attempt")

	out := c.Submit(context.Background())
	assert.Equal(t, StateAwaitingDecision, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, domain.FailureNetworkUnavailable, out.Failure)
	assert.Equal(t, 3, sub.Calls())
	assert.NotContains(t, states, StateSkipped, "skip must never be automatic")

	require.NoError(t, c.Skip())
	assert.Equal(t, StateSkipped, c.State())
	assert.Equal(t, StateSkipped, states[len(states)-1])
}

func TestRetryAddsOneAttemptAndKeepsCounting(t *testing.T) {
	unavailable := failure(domain.FailureAIServiceUnavailable)
	sub := &scriptedSubmitter{results: []error{unavailable, unavailable, unavailable, unavailable}}
	w := &waits{}
	c := newCoordinator(sub, w)

	out := c.Submit(context.Background())
	require.Equal(t, StateAwaitingDecision, out.State)
	// AI outages back off AIBackoffFactor times longer.
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond}, w.d)

	out = c.Retry(context.Background())
	assert.Equal(t, StateAwaitingDecision, out.State)
	assert.Equal(t, 4, out.Attempts)

	out = c.Retry(context.Background())
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, 5, sub.Calls())
}

func TestNonRetryableFailureGoesStraightToDecision(t *testing.T) {
	sub := &scriptedSubmitter{results: []error{failure(domain.FailureMalformedEvaluation)}}
	w := &waits{}
	c := newCoordinator(sub, w)

	out := c.Submit(context.Background())
	assert.Equal(t, StateAwaitingDecision, out.State)
	assert.Equal(t, domain.FailureMalformedEvaluation, out.Failure)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, w.d)
}

func TestRateLimitedDefersWithoutCountingAttempt(t *testing.T) {
	reset := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	sub := &scriptedSubmitter{results: []error{
		failure(domain.FailureNetworkUnavailable),
		&domain.RateLimitedError{Op: "evaluate", Limit: 10, ResetAt: reset},
	}}
	c := newCoordinator(sub, &waits{})

	out := c.Submit(context.Background())
	require.Equal(t, StateDeferred, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, reset, out.ResumeAt)
	assert.Equal(t, domain.FailureRateLimited, out.Failure)
	require.ErrorIs(t, c.Skip(), ErrSkipUnavailable)

	out = c.Submit(context.Background())
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 2, out.Attempts)
}

func TestCancelDuringAttemptDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	submit := func(ctx context.Context, _ *domain.RecordingArtifact) (*domain.SubmissionResult, error) {
		close(started)
		<-release
		return &domain.SubmissionResult{}, nil
	}
	artifact := &domain.RecordingArtifact{ID: "a1"}
	c := New(artifact, submit, testConfig())

	done := make(chan Outcome, 1)
	go func() { done <- c.Submit(context.Background()) }()

	<-started
	require.True(t, c.Cancel())
	close(release)

	out := <-done
	assert.Equal(t, StateCancelled, out.State)
	assert.Nil(t, out.Result)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.ErrorIs(t, c.Skip(), ErrSkipUnavailable)
	assert.Equal(t, StateCancelled, c.Submit(context.Background()).State)
}

func TestCancelDuringBackoffStopsRetrying(t *testing.T) {
	sub := &scriptedSubmitter{results: []error{failure(domain.FailureNetworkUnavailable)}}
	artifact := &domain.RecordingArtifact{ID: "a1"}
	var c *Coordinator
	c = New(artifact, sub.Submit, testConfig(), WithSleep(func(ctx context.Context, d time.Duration) error {
		c.Cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	out := c.Submit(context.Background())
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, 1, sub.Calls())
}

func TestAttemptTimeoutIsRetryable(t *testing.T) {
	calls := 0
	submit := func(ctx context.Context, _ *domain.RecordingArtifact) (*domain.SubmissionResult, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &domain.SubmissionResult{}, nil
	}
	cfg := testConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	w := &waits{}
	c := New(&domain.RecordingArtifact{ID: "a1"}, submit, cfg, WithSleep(w.sleep))

	out := c.Submit(context.Background())
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 2, calls)
	require.Len(t, w.d, 1)
	assert.Equal(t, 300*time.Millisecond, w.d[0], "timeouts count as AI unavailability")
}

func TestRetryRefusedOutsideDecision(t *testing.T) {
	c := newCoordinator(&scriptedSubmitter{}, &waits{})
	out := c.Retry(context.Background())
	assert.ErrorIs(t, out.Err, ErrRetryUnavailable)
	assert.Equal(t, StateReady, out.State)
}

func TestCancelAfterSuccessIsRefused(t *testing.T) {
	c := newCoordinator(&scriptedSubmitter{}, &waits{})
	require.Equal(t, StateSucceeded, c.Submit(context.Background()).State)
	assert.False(t, c.Cancel())
	assert.Equal(t, StateSucceeded, c.State())
}

func TestCallerGoneDuringAttemptIsNotAFailedAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	submit := func(ctx context.Context, _ *domain.RecordingArtifact) (*domain.SubmissionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := New(&domain.RecordingArtifact{ID: "a1"}, submit, testConfig())

	done := make(chan Outcome, 1)
	go func() { done <- c.Submit(ctx) }()

	<-started
	cancel()

	out := <-done
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, 0, out.Attempts)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.ErrorIs(t, c.Skip(), ErrSkipUnavailable)
}

func TestCallerGoneDuringBackoffCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &scriptedSubmitter{results: []error{failure(domain.FailureNetworkUnavailable)}}
	c := New(&domain.RecordingArtifact{ID: "a1"}, sub.Submit, testConfig(), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	out := c.Submit(ctx)
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, sub.Calls())
	assert.ErrorIs(t, c.Skip(), ErrSkipUnavailable)
}
