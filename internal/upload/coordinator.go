// Package upload submits a recording for transcription and evaluation with
// bounded retries, and hands exhaustion back to the caller as a retry/skip decision.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

// State is the coordinator state.
type State string

const (
	StateReady            State = "ready"
	StateAttempting       State = "attempting"
	StateBackingOff       State = "backing_off"
	StateDeferred         State = "deferred"
	StateAwaitingDecision State = "awaiting_decision"
	StateSucceeded        State = "succeeded"
	StateSkipped          State = "skipped"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateSkipped || s == StateCancelled
}

var (
	// ErrCancelled is returned by operations on a cancelled coordinator.
	ErrCancelled = errors.New("upload cancelled")
	// ErrSkipUnavailable is returned when Skip is called before the decision point.
	ErrSkipUnavailable = errors.New("skip is only available after retries are exhausted")
	// ErrRetryUnavailable is returned when Retry is called outside the decision point.
	ErrRetryUnavailable = errors.New("retry is only available after retries are exhausted")
	// ErrBusy is returned when a submission is already running.
	ErrBusy = errors.New("submission already in progress")
)

// SubmitFunc performs one transcription+evaluation attempt.
type SubmitFunc func(ctx context.Context, artifact *domain.RecordingArtifact) (*domain.SubmissionResult, error)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts         int
	AttemptTimeout      time.Duration
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// AIBackoffFactor stretches the wait after AIServiceUnavailable failures.
	AIBackoffFactor float64
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		AttemptTimeout:      30 * time.Second,
		InitialBackoff:      time.Second,
		MaxBackoff:          15 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		AIBackoffFactor:     3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.AIBackoffFactor < 1 {
		c.AIBackoffFactor = 1
	}
	return c
}

// Progress is published on every state change.
type Progress struct {
	State       State
	Attempts    int
	MaxAttempts int
	Failure     domain.FailureKind
	Err         error
	// Wait is the backoff delay when State is backing_off.
	Wait time.Duration
	// ResumeAt is set when State is deferred.
	ResumeAt time.Time
}

// Outcome is the result of Submit or Retry.
type Outcome struct {
	State    State
	Attempts int
	Result   *domain.SubmissionResult
	Failure  domain.FailureKind
	Err      error
	ResumeAt time.Time
}

// Coordinator drives one artifact through submission. It is consumed by
// exactly one upload cycle; create a new one for a new artifact.
type Coordinator struct {
	submit     SubmitFunc
	artifact   *domain.RecordingArtifact
	cfg        Config
	backoff    *backoff.ExponentialBackOff
	sleep      func(ctx context.Context, d time.Duration) error
	onProgress func(Progress)

	mu       sync.Mutex
	state    State
	attempts int
	limit    int
	lastErr  error
	lastKind domain.FailureKind
	resumeAt time.Time
	result   *domain.SubmissionResult
	cancel   context.CancelFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOnProgress registers a progress callback. It is called synchronously
// and must not call back into the coordinator.
func WithOnProgress(fn func(Progress)) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// WithSleep overrides how backoff waits are performed.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// New creates a coordinator in the ready state.
func New(artifact *domain.RecordingArtifact, submit SubmitFunc, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor
	b.Reset()

	c := &Coordinator{
		submit:   submit,
		artifact: artifact,
		cfg:      cfg,
		backoff:  b,
		sleep:    sleepContext,
		state:    StateReady,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of failed or successful attempts made so far.
// Rate-limited calls are not counted.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Submit runs up to MaxAttempts attempts. From deferred it resumes the
// interrupted run without resetting its attempt budget.
func (c *Coordinator) Submit(ctx context.Context) Outcome {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.limit = c.cfg.MaxAttempts
	case StateDeferred:
	case StateCancelled:
		c.mu.Unlock()
		return c.outcome(ErrCancelled)
	default:
		state := c.state
		c.mu.Unlock()
		return Outcome{State: state, Attempts: c.Attempts(), Err: fmt.Errorf("%w: state %s", ErrBusy, state)}
	}
	runCtx := c.beginLocked(ctx)
	c.mu.Unlock()
	return c.run(runCtx)
}

// Retry makes one more attempt after retries were exhausted. The attempt
// counter keeps climbing.
func (c *Coordinator) Retry(ctx context.Context) Outcome {
	c.mu.Lock()
	if c.state != StateAwaitingDecision {
		state := c.state
		c.mu.Unlock()
		return Outcome{State: state, Attempts: c.Attempts(), Err: fmt.Errorf("%w: state %s", ErrRetryUnavailable, state)}
	}
	c.limit = c.attempts + 1
	runCtx := c.beginLocked(ctx)
	c.mu.Unlock()
	return c.run(runCtx)
}

// Skip closes the question with a zero score. Only valid at the decision point.
func (c *Coordinator) Skip() error {
	c.mu.Lock()
	if c.state != StateAwaitingDecision {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSkipUnavailable, state)
	}
	c.state = StateSkipped
	p := c.progressLocked()
	c.mu.Unlock()
	c.publish(p)
	return nil
}

// Cancel stops any running attempt and discards its result. It returns false
// if the coordinator already reached succeeded or skipped.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	if c.state == StateSucceeded || c.state == StateSkipped {
		c.mu.Unlock()
		return false
	}
	if c.state == StateCancelled {
		c.mu.Unlock()
		return true
	}
	c.state = StateCancelled
	c.result = nil
	if c.cancel != nil {
		c.cancel()
	}
	p := c.progressLocked()
	c.mu.Unlock()
	c.publish(p)
	return true
}

func (c *Coordinator) beginLocked(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	return runCtx
}

func (c *Coordinator) run(ctx context.Context) Outcome {
	defer func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	for {
		if !c.transition(StateAttempting, nil) {
			return c.outcome(ErrCancelled)
		}

		result, err := c.attempt(ctx)

		c.mu.Lock()
		if c.state == StateCancelled {
			c.mu.Unlock()
			return c.outcome(ErrCancelled)
		}
		if err != nil && ctx.Err() != nil {
			// The caller went away mid-attempt. That is not a failed attempt.
			c.mu.Unlock()
			return c.abandon(ctx.Err())
		}

		if err == nil {
			c.attempts++
			c.state = StateSucceeded
			c.result = result
			c.lastErr, c.lastKind = nil, ""
			p := c.progressLocked()
			c.mu.Unlock()
			c.publish(p)
			return c.outcome(nil)
		}

		kind := domain.FailureKindOf(err)
		c.lastErr, c.lastKind = err, kind

		if kind == domain.FailureRateLimited {
			var rl *domain.RateLimitedError
			if errors.As(err, &rl) {
				c.resumeAt = rl.ResetAt
			}
			c.state = StateDeferred
			p := c.progressLocked()
			c.mu.Unlock()
			c.publish(p)
			return c.outcome(err)
		}

		c.attempts++
		if !kind.Retryable() || c.attempts >= c.limit {
			c.state = StateAwaitingDecision
			p := c.progressLocked()
			c.mu.Unlock()
			slog.Info("upload awaiting retry or skip decision", "artifact_id", c.artifact.ID, "attempts", c.attempts, "failure", kind, "error", err)
			c.publish(p)
			return c.outcome(err)
		}

		wait := c.nextBackoff(kind)
		c.state = StateBackingOff
		p := c.progressLocked()
		p.Wait = wait
		c.mu.Unlock()
		c.publish(p)

		if err := c.sleep(ctx, wait); err != nil {
			if c.State() == StateCancelled {
				return c.outcome(ErrCancelled)
			}
			return c.abandon(err)
		}
	}
}

// abandon cancels the run after its context ended. The attempt counter is
// left as it was.
func (c *Coordinator) abandon(cause error) Outcome {
	c.mu.Lock()
	if c.state != StateCancelled {
		c.state = StateCancelled
		c.result = nil
		p := c.progressLocked()
		c.mu.Unlock()
		slog.Info("upload abandoned by caller", "artifact_id", c.artifact.ID, "attempts", c.Attempts(), "error", cause)
		c.publish(p)
	} else {
		c.mu.Unlock()
	}
	return c.outcome(fmt.Errorf("%w: %w", ErrCancelled, cause))
}

func (c *Coordinator) attempt(ctx context.Context) (*domain.SubmissionResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	result, err := c.submit(attemptCtx, c.artifact)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && domain.FailureKindOf(err) == domain.FailureUnknown {
		err = domain.NewFailure(domain.FailureAIServiceUnavailable, "upload.attempt", fmt.Errorf("timed out after %s: %w", c.cfg.AttemptTimeout, err))
	}
	if err == nil && result == nil {
		err = domain.NewFailure(domain.FailureMalformedEvaluation, "upload.attempt", errors.New("empty submission result"))
	}
	return result, err
}

func (c *Coordinator) nextBackoff(kind domain.FailureKind) time.Duration {
	wait := c.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = c.cfg.MaxBackoff
	}
	if kind == domain.FailureAIServiceUnavailable {
		wait = time.Duration(float64(wait) * c.cfg.AIBackoffFactor)
	}
	return wait
}

// transition moves to state unless the coordinator was cancelled.
func (c *Coordinator) transition(state State, err error) bool {
	c.mu.Lock()
	if c.state == StateCancelled {
		c.mu.Unlock()
		return false
	}
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	p := c.progressLocked()
	c.mu.Unlock()
	c.publish(p)
	return true
}

func (c *Coordinator) progressLocked() Progress {
	p := Progress{
		State:       c.state,
		Attempts:    c.attempts,
		MaxAttempts: c.cfg.MaxAttempts,
		Failure:     c.lastKind,
		Err:         c.lastErr,
	}
	if c.state == StateDeferred {
		p.ResumeAt = c.resumeAt
	}
	return p
}

func (c *Coordinator) publish(p Progress) {
	if c.onProgress != nil {
		c.onProgress(p)
	}
}

func (c *Coordinator) outcome(err error) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := Outcome{State: c.state, Attempts: c.attempts, Result: c.result, Failure: c.lastKind, Err: err}
	if c.state == StateDeferred {
		o.ResumeAt = c.resumeAt
	}
	if c.state == StateCancelled {
		o.Result = nil
		o.Failure = ""
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
