// Package ratelimit implements a fixed-window call limiter keyed by caller
// identity and operation, over an injectable storage backend.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// DefaultSweepProbability is the chance that a single Check sweeps expired entries.
const DefaultSweepProbability = 0.01

// Entry is the stored counter for one key.
type Entry struct {
	Count         int
	WindowResetAt time.Time
}

// Decision is the outcome of one Check.
type Decision struct {
	Key       string
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// UpdateFunc receives the current entry (exists is false for an unseen key)
// and returns the next entry and whether it should be written.
type UpdateFunc func(cur Entry, exists bool) (next Entry, write bool)

// Store persists entries. Update must run fn atomically with respect to other
// updates of the same key and must not block updates of other keys.
type Store interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Sweep removes entries whose window has ended at now and returns how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// capacityReporter is implemented by stores with a soft size bound.
type capacityReporter interface {
	OverCapacity() bool
}

// Limiter is a fixed-window rate limiter.
type Limiter struct {
	store            Store
	now              func() time.Time
	rand             func() float64
	sweepProbability float64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRand overrides the random source used for sweeping.
func WithRand(r func() float64) Option {
	return func(l *Limiter) { l.rand = r }
}

// WithSweepProbability sets the per-call sweep probability.
func WithSweepProbability(p float64) Option {
	return func(l *Limiter) { l.sweepProbability = p }
}

// New creates a Limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:            store,
		now:              time.Now,
		rand:             rand.Float64,
		sweepProbability: DefaultSweepProbability,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key builds the bucket key for an identity and operation.
func Key(identity, operation string) string {
	return identity + ":" + operation
}

// Check counts one call against key. A limit below 1 is treated as 1.
// Check never fails: if the store errors the call is allowed and the error logged.
// The decision is also added to the Recorder carried by ctx, if any.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit < 1 {
		limit = 1
	}
	now := l.now()
	l.maybeSweep(ctx, now)

	var d Decision
	err := l.store.Update(ctx, key, func(cur Entry, exists bool) (Entry, bool) {
		if !exists || !now.Before(cur.WindowResetAt) {
			next := Entry{Count: 1, WindowResetAt: now.Add(window)}
			d = Decision{Key: key, Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: next.WindowResetAt}
			return next, true
		}
		if cur.Count < limit {
			cur.Count++
			d = Decision{Key: key, Allowed: true, Limit: limit, Remaining: limit - cur.Count, ResetAt: cur.WindowResetAt}
			return cur, true
		}
		d = Decision{Key: key, Allowed: false, Limit: limit, Remaining: 0, ResetAt: cur.WindowResetAt}
		return cur, false
	})
	if err != nil {
		slog.Warn("rate limit store update failed, allowing call", "key", key, "error", err)
		d = Decision{Key: key, Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(window)}
	}

	if rec := RecorderFrom(ctx); rec != nil {
		rec.Record(d)
	}
	return d
}

func (l *Limiter) maybeSweep(ctx context.Context, now time.Time) {
	force := false
	if cr, ok := l.store.(capacityReporter); ok && cr.OverCapacity() {
		force = true
	}
	if !force && l.rand() >= l.sweepProbability {
		return
	}
	n, err := l.store.Sweep(ctx, now)
	if err != nil {
		slog.Warn("rate limit sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("rate limit sweep removed expired entries", "removed", n, "forced", force)
	}
}
