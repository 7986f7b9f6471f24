package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/containerd/errdefs"
)

type fakeTicker struct {
	ch   chan time.Time
	done chan struct{}
	once sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.once.Do(func() { close(t.done) }) }

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time), done: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

// Tick advances time by d and delivers one tick to the newest live ticker.
// It returns false if the ticker has been stopped.
func (c *fakeClock) Tick(d time.Duration) bool {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var t *fakeTicker
	if len(c.tickers) > 0 {
		t = c.tickers[len(c.tickers)-1]
	}
	c.mu.Unlock()
	if t == nil {
		return false
	}
	select {
	case t.ch <- now:
		return true
	case <-t.done:
		return false
	}
}

type fakeInput struct {
	chunks   chan []byte
	mu       sync.Mutex
	closed   int
	closeErr error
}

func (i *fakeInput) Chunks() <-chan []byte { return i.chunks }
func (i *fakeInput) MimeType() string      { return "audio/webm" }

func (i *fakeInput) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed++
	return i.closeErr
}

func (i *fakeInput) Closed() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

type fakeMic struct {
	mu     sync.Mutex
	deny   bool
	inputs []*fakeInput
}

func (m *fakeMic) Acquire(context.Context) (Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny {
		return nil, ErrPermissionDenied
	}
	in := &fakeInput{chunks: make(chan []byte, 16)}
	m.inputs = append(m.inputs, in)
	return in, nil
}

func (m *fakeMic) last() *fakeInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[len(m.inputs)-1]
}

type stopEvent struct {
	artifact *domain.RecordingArtifact
	reason   StopReason
}

func newTestRecorder(mic Microphone, cfg Config) (*Recorder, *fakeClock, chan stopEvent) {
	clock := newFakeClock()
	stops := make(chan stopEvent, 8)
	r := NewRecorder(mic, cfg, WithClock(clock), WithOnStop(func(a *domain.RecordingArtifact, reason StopReason) {
		stops <- stopEvent{a, reason}
	}))
	return r, clock, stops
}

func TestRecorderAutoStopsExactlyOnceAtMaxDuration(t *testing.T) {
	mic := &fakeMic{}
	r, clock, stops := newTestRecorder(mic, Config{MaxDuration: 3 * time.Second, TickInterval: time.Second})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	mic.last().chunks <- []byte("abc")

	for i := 0; i < 3; i++ {
		if !clock.Tick(time.Second) {
			t.Fatalf("tick %d not delivered", i+1)
		}
	}

	var ev stopEvent
	select {
	case ev = <-stops:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop at max duration")
	}
	if ev.reason != StopMaxDuration {
		t.Fatalf("expected max_duration, got %s", ev.reason)
	}
	if ev.artifact.Duration > 3*time.Second {
		t.Fatalf("artifact duration %s exceeds max", ev.artifact.Duration)
	}
	if string(ev.artifact.Audio) != "abc" {
		t.Fatalf("unexpected audio %q", ev.artifact.Audio)
	}

	if clock.Tick(time.Second) {
		t.Fatal("ticker should be stopped after auto-stop")
	}
	a, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop after auto-stop failed: %v", err)
	}
	if a != ev.artifact {
		t.Fatal("Stop should return the auto-stopped artifact")
	}

	select {
	case extra := <-stops:
		t.Fatalf("unexpected second stop: %s", extra.reason)
	case <-time.After(50 * time.Millisecond):
	}
	if got := mic.last().Closed(); got != 1 {
		t.Fatalf("expected microphone released once, got %d", got)
	}
}

func TestRecorderManualStopCollectsChunks(t *testing.T) {
	mic := &fakeMic{}
	r, clock, stops := newTestRecorder(mic, Config{MaxDuration: time.Minute, TickInterval: time.Second})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	in := mic.last()
	in.chunks <- []byte("hello ")
	clock.Tick(time.Second)
	in.chunks <- []byte("world")
	clock.Tick(time.Second)

	a, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if string(a.Audio) != "hello world" {
		t.Fatalf("unexpected audio %q", a.Audio)
	}
	if a.Duration != 2*time.Second {
		t.Fatalf("expected 2s, got %s", a.Duration)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if ev := <-stops; ev.reason != StopManual {
		t.Fatalf("expected manual stop, got %s", ev.reason)
	}
	if in.Closed() != 1 {
		t.Fatal("microphone not released")
	}
}

func TestRecorderPermissionDeniedReturnsToIdle(t *testing.T) {
	r, _, _ := newTestRecorder(&fakeMic{deny: true}, DefaultConfig())

	err := r.Start(context.Background())
	if domain.FailureKindOf(err) != domain.FailurePermissionDenied {
		t.Fatalf("expected permission denied failure, got %v", err)
	}
	if !errdefs.IsPermissionDenied(err) {
		t.Fatal("expected errdefs permission denied class")
	}
	if r.State() != StateIdle {
		t.Fatalf("expected idle, got %s", r.State())
	}
}

func TestRecorderClearAndFreshArtifact(t *testing.T) {
	mic := &fakeMic{}
	r, _, _ := newTestRecorder(mic, DefaultConfig())

	if err := r.Clear(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Clear from idle should fail, got %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	mic.last().chunks <- []byte("first")
	first, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if r.State() != StateIdle || r.Artifact() != nil {
		t.Fatal("Clear should discard the artifact and return to idle")
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	mic.last().chunks <- []byte("second")
	second, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID || string(second.Audio) != "second" {
		t.Fatalf("expected a fresh artifact, got %+v", second)
	}
	if string(first.Audio) != "first" {
		t.Fatal("finalized artifact must not change")
	}
}

func TestRecorderStartWhileRecordingFails(t *testing.T) {
	mic := &fakeMic{}
	r, _, _ := newTestRecorder(mic, DefaultConfig())
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Abort()
	if err := r.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRecorderAbortReleasesDevice(t *testing.T) {
	mic := &fakeMic{}
	r, _, stops := newTestRecorder(mic, DefaultConfig())
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Abort()

	if r.State() != StateIdle {
		t.Fatalf("expected idle, got %s", r.State())
	}
	if mic.last().Closed() != 1 {
		t.Fatal("microphone not released on abort")
	}
	select {
	case <-stops:
		t.Fatal("abort must not produce an artifact")
	default:
	}
	if _, err := r.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Stop after abort should fail, got %v", err)
	}
}

func TestRecorderInputClosedFinalizes(t *testing.T) {
	mic := &fakeMic{}
	r, _, stops := newTestRecorder(mic, DefaultConfig())
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	in := mic.last()
	in.chunks <- []byte("partial")
	close(in.chunks)

	ev := <-stops
	if ev.reason != StopInputClosed || string(ev.artifact.Audio) != "partial" {
		t.Fatalf("unexpected stop event %+v", ev)
	}
	if in.Closed() != 1 {
		t.Fatal("microphone not released")
	}
}

func TestRecorderStopsAtMaxBytes(t *testing.T) {
	mic := &fakeMic{}
	r, _, stops := newTestRecorder(mic, Config{MaxBytes: 4})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	mic.last().chunks <- []byte("abcdef")

	ev := <-stops
	if ev.reason != StopMaxSize || string(ev.artifact.Audio) != "abcd" {
		t.Fatalf("unexpected stop event %s %q", ev.reason, ev.artifact.Audio)
	}
}

func TestArtifactFromUpload(t *testing.T) {
	now := time.Now()
	cfg := Config{MaxDuration: 90 * time.Second, MaxBytes: 8}

	a, err := ArtifactFromUpload([]byte("audio"), "audio/ogg; codecs=opus", 12*time.Second, cfg, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.MimeType != "audio/ogg" || a.DurationSeconds() != 12 {
		t.Fatalf("unexpected artifact %+v", a)
	}

	tests := []struct {
		name     string
		audio    []byte
		mime     string
		duration time.Duration
	}{
		{"empty", nil, "audio/webm", time.Second},
		{"too large", []byte("123456789"), "audio/webm", time.Second},
		{"too long", []byte("a"), "audio/webm", 91 * time.Second},
		{"zero duration", []byte("a"), "audio/webm", 0},
		{"not audio", []byte("a"), "text/plain", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ArtifactFromUpload(tt.audio, tt.mime, tt.duration, cfg, now)
			if !errdefs.IsInvalidArgument(err) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

// promptMic waits for a permission answer before handing out an input.
type promptMic struct {
	asked  chan struct{}
	answer chan bool
	input  *fakeInput
}

func newPromptMic() *promptMic {
	return &promptMic{
		asked:  make(chan struct{}, 1),
		answer: make(chan bool, 1),
		input:  &fakeInput{chunks: make(chan []byte, 16)},
	}
}

func (m *promptMic) Acquire(ctx context.Context) (Input, error) {
	m.asked <- struct{}{}
	select {
	case ok := <-m.answer:
		if !ok {
			return nil, ErrPermissionDenied
		}
		return m.input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRecorderObservableWhileAcquiring(t *testing.T) {
	mic := newPromptMic()
	r, _, _ := newTestRecorder(mic, DefaultConfig())

	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background()) }()
	<-mic.asked

	observed := make(chan State, 1)
	go func() { observed <- r.State() }()
	select {
	case s := <-observed:
		if s != StateIdle {
			t.Fatalf("expected idle while acquiring, got %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("State blocked on the permission prompt")
	}
	if r.Artifact() != nil {
		t.Fatal("no artifact while acquiring")
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start should fail, got %v", err)
	}

	mic.answer <- true
	if err := <-started; err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.State() != StateRecording {
		t.Fatalf("expected recording, got %s", r.State())
	}
	r.Abort()
}

func TestRecorderAbortWhileAcquiring(t *testing.T) {
	mic := newPromptMic()
	r, _, _ := newTestRecorder(mic, DefaultConfig())

	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background()) }()
	<-mic.asked

	aborted := make(chan struct{})
	go func() {
		r.Abort()
		close(aborted)
	}()
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("Abort blocked on the permission prompt")
	}

	select {
	case err := <-started:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancelled start, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Abort")
	}
	if r.State() != StateIdle {
		t.Fatalf("expected idle, got %s", r.State())
	}
	if mic.input.Closed() != 0 {
		t.Fatal("no input was handed out")
	}
}
