package ratelimit

import (
	"context"
	"sync"
)

type recorderKey struct{}

// Recorder collects the decisions made while serving one request so the
// transport can expose them as response metadata.
type Recorder struct {
	mu        sync.Mutex
	decisions []Decision
}

// WithRecorder returns a context carrying a fresh Recorder.
func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	rec := &Recorder{}
	return context.WithValue(ctx, recorderKey{}, rec), rec
}

// RecorderFrom returns the Recorder in ctx, or nil.
func RecorderFrom(ctx context.Context) *Recorder {
	rec, _ := ctx.Value(recorderKey{}).(*Recorder)
	return rec
}

// Record appends a decision.
func (r *Recorder) Record(d Decision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
}

// Tightest returns the decision closest to its limit: a denial if there was
// one, otherwise the one with the fewest remaining calls.
func (r *Recorder) Tightest() (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.decisions) == 0 {
		return Decision{}, false
	}
	best := r.decisions[0]
	for _, d := range r.decisions[1:] {
		switch {
		case !d.Allowed && best.Allowed:
			best = d
		case d.Allowed == best.Allowed && d.Remaining < best.Remaining:
			best = d
		}
	}
	return best, true
}
