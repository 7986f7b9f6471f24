// Package capture turns microphone input into a bounded-duration recording artifact.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/google/uuid"
)

// State is the recorder lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

// StopReason says why a recording ended.
type StopReason string

const (
	StopManual      StopReason = "manual"
	StopMaxDuration StopReason = "max_duration"
	StopMaxSize     StopReason = "max_size"
	StopInputClosed StopReason = "input_closed"
	stopAborted     StopReason = "aborted"
)

// ErrInvalidState is returned when an operation is not valid in the current state.
var ErrInvalidState = errors.New("invalid recorder state")

// Config bounds a recording.
type Config struct {
	MaxDuration  time.Duration
	MaxBytes     int
	TickInterval time.Duration
}

// DefaultConfig returns the standard recording bounds.
func DefaultConfig() Config {
	return Config{
		MaxDuration:  90 * time.Second,
		MaxBytes:     10 << 20,
		TickInterval: time.Second,
	}
}

// Recorder is the idle, recording, stopped state machine for one question.
// It is safe for concurrent use.
type Recorder struct {
	mic    Microphone
	cfg    Config
	clock  Clock
	onStop func(*domain.RecordingArtifact, StopReason)
	onTick func(elapsed time.Duration)

	mu        sync.Mutex
	state     State
	input     Input
	ticker    Ticker
	buf       bytes.Buffer
	startedAt time.Time
	elapsed   time.Duration
	artifact  *domain.RecordingArtifact
	stopCh    chan StopReason
	done      chan struct{}
	stopping  bool

	// starting is set while Start waits for the microphone, with the lock released.
	starting     bool
	startAborted bool
	cancelStart  context.CancelFunc
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the clock.
func WithClock(c Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithOnStop registers a callback invoked once per finalized recording.
func WithOnStop(fn func(*domain.RecordingArtifact, StopReason)) Option {
	return func(r *Recorder) { r.onStop = fn }
}

// WithOnTick registers a callback invoked on every tick while recording.
func WithOnTick(fn func(elapsed time.Duration)) Option {
	return func(r *Recorder) { r.onTick = fn }
}

// NewRecorder creates an idle recorder.
func NewRecorder(mic Microphone, cfg Config, opts ...Option) *Recorder {
	def := DefaultConfig()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	r := &Recorder{mic: mic, cfg: cfg, clock: realClock{}, state: StateIdle}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Artifact returns the finalized artifact, or nil unless stopped.
func (r *Recorder) Artifact() *domain.RecordingArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Start acquires the microphone and begins recording. Starting from stopped
// discards the previous artifact. On refusal the recorder stays idle and a
// PermissionDenied failure is returned. The recorder reports idle while the
// microphone is being acquired, and Abort gives up on the acquisition.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateRecording {
		r.mu.Unlock()
		return fmt.Errorf("%w: already recording", ErrInvalidState)
	}
	if r.starting {
		r.mu.Unlock()
		return fmt.Errorf("%w: already starting", ErrInvalidState)
	}
	r.state = StateIdle
	r.artifact = nil
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.starting = true
	r.startAborted = false
	r.cancelStart = cancel
	r.mu.Unlock()

	input, err := r.mic.Acquire(acquireCtx)

	r.mu.Lock()
	defer r.mu.Unlock()
	aborted := r.startAborted
	r.starting = false
	r.startAborted = false
	r.cancelStart = nil

	if aborted {
		if err == nil {
			if closeErr := input.Close(); closeErr != nil {
				slog.Warn("failed to release microphone", "reason", stopAborted, "error", closeErr)
			}
		}
		return fmt.Errorf("acquire microphone: %w", context.Canceled)
	}
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return domain.NewFailure(domain.FailurePermissionDenied, "capture.start", err)
		}
		return fmt.Errorf("acquire microphone: %w", err)
	}

	r.input = input
	r.ticker = r.clock.NewTicker(r.cfg.TickInterval)
	r.buf.Reset()
	r.startedAt = r.clock.Now()
	r.elapsed = 0
	r.stopping = false
	r.stopCh = make(chan StopReason, 1)
	r.done = make(chan struct{})
	r.state = StateRecording

	go r.loop(input, r.ticker, r.stopCh, r.done)
	return nil
}

// Stop finalizes the recording and returns its artifact. If the recording
// already ended on its own, Stop returns that artifact.
func (r *Recorder) Stop() (*domain.RecordingArtifact, error) {
	if err := r.requestStop(StopManual); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.artifact == nil {
		return nil, fmt.Errorf("%w: recording was aborted", ErrInvalidState)
	}
	return r.artifact, nil
}

// Abort ends a recording without producing an artifact and returns to idle.
// A pending Start is abandoned. It is a no-op otherwise.
func (r *Recorder) Abort() {
	r.mu.Lock()
	if r.starting {
		r.startAborted = true
		r.cancelStart()
		r.mu.Unlock()
		return
	}
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	_ = r.requestStop(stopAborted)
}

// Clear discards a stopped recording and returns to idle.
func (r *Recorder) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped {
		return fmt.Errorf("%w: clear requires stopped, got %s", ErrInvalidState, r.state)
	}
	r.artifact = nil
	r.state = StateIdle
	return nil
}

func (r *Recorder) requestStop(reason StopReason) error {
	r.mu.Lock()
	switch {
	case r.state == StateStopped:
		r.mu.Unlock()
		return nil
	case r.state != StateRecording:
		r.mu.Unlock()
		return fmt.Errorf("%w: not recording", ErrInvalidState)
	}
	done := r.done
	if !r.stopping {
		r.stopping = true
		r.stopCh <- reason
	}
	r.mu.Unlock()
	<-done
	return nil
}

func (r *Recorder) loop(input Input, ticker Ticker, stopCh <-chan StopReason, done chan<- struct{}) {
	defer close(done)
	chunks := input.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				r.finish(StopInputClosed)
				return
			}
			if full := r.append(chunk); full {
				r.finish(StopMaxSize)
				return
			}
		case <-ticker.C():
			r.mu.Lock()
			r.elapsed += r.cfg.TickInterval
			elapsed := r.elapsed
			r.mu.Unlock()
			if r.onTick != nil {
				r.onTick(elapsed)
			}
			if elapsed >= r.cfg.MaxDuration {
				r.drain(chunks)
				r.finish(StopMaxDuration)
				return
			}
		case reason := <-stopCh:
			if reason != stopAborted {
				r.drain(chunks)
			}
			r.finish(reason)
			return
		}
	}
}

// drain appends chunks already delivered by the device.
func (r *Recorder) drain(chunks <-chan []byte) {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if full := r.append(chunk); full {
				return
			}
		default:
			return
		}
	}
}

func (r *Recorder) append(chunk []byte) (full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.cfg.MaxBytes - r.buf.Len()
	if len(chunk) > room {
		chunk = chunk[:room]
		full = true
	}
	r.buf.Write(chunk)
	return full || r.buf.Len() >= r.cfg.MaxBytes
}

// finish runs exactly once per recording on the loop goroutine. It releases
// the device on every path.
func (r *Recorder) finish(reason StopReason) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	r.ticker.Stop()
	input := r.input
	r.input = nil

	var artifact *domain.RecordingArtifact
	if reason == stopAborted {
		r.state = StateIdle
	} else {
		duration := r.clock.Now().Sub(r.startedAt)
		if duration > r.cfg.MaxDuration {
			duration = r.cfg.MaxDuration
		}
		audio := make([]byte, r.buf.Len())
		copy(audio, r.buf.Bytes())
		artifact = &domain.RecordingArtifact{
			ID:        uuid.NewString(),
			Audio:     audio,
			Duration:  duration,
			MimeType:  input.MimeType(),
			CreatedAt: r.clock.Now(),
		}
		r.artifact = artifact
		r.state = StateStopped
	}
	r.buf.Reset()
	r.mu.Unlock()

	if err := input.Close(); err != nil {
		slog.Warn("failed to release microphone", "reason", reason, "error", err)
	}
	if artifact != nil && r.onStop != nil {
		r.onStop(artifact, reason)
	}
}
