package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func neverSweep() float64 { return 1 }

func newTestLimiter(store Store) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(store, WithClock(clock.Now), WithRand(neverSweep)), clock
}

func TestCheckDeniesAfterLimitAndResetsAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(NewMemoryStore(0))
	ctx := context.Background()
	key := Key("user-1", "transcribe")

	for i := 1; i <= 3; i++ {
		d := l.Check(ctx, key, 3, time.Minute)
		require.True(t, d.Allowed, "call %d", i)
		assert.Equal(t, 3-i, d.Remaining)
	}

	denied := l.Check(ctx, key, 3, time.Minute)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), denied.ResetAt)

	// Denials must not extend or mutate the window.
	clock.Advance(30 * time.Second)
	again := l.Check(ctx, key, 3, time.Minute)
	assert.False(t, again.Allowed)
	assert.Equal(t, denied.ResetAt, again.ResetAt)

	clock.Advance(30 * time.Second)
	for i := 1; i <= 3; i++ {
		d := l.Check(ctx, key, 3, time.Minute)
		require.True(t, d.Allowed, "call %d after reset", i)
	}
	assert.False(t, l.Check(ctx, key, 3, time.Minute).Allowed)
}

func TestCheckKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore(0))
	ctx := context.Background()

	require.True(t, l.Check(ctx, Key("a", "evaluate"), 1, time.Minute).Allowed)
	assert.False(t, l.Check(ctx, Key("a", "evaluate"), 1, time.Minute).Allowed)
	assert.True(t, l.Check(ctx, Key("b", "evaluate"), 1, time.Minute).Allowed)
	assert.True(t, l.Check(ctx, Key("a", "transcribe"), 1, time.Minute).Allowed)
}

func TestCheckIsAtomicPerKey(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore(0))
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "shared:evaluate", 50, time.Minute).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	store := NewMemoryStore(0)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sweep := false
	l := New(store, WithClock(clock.Now), WithRand(func() float64 {
		if sweep {
			return 0
		}
		return 1
	}))
	ctx := context.Background()

	l.Check(ctx, "a:op", 5, time.Second)
	l.Check(ctx, "b:op", 5, time.Minute)
	require.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Second)
	sweep = true
	l.Check(ctx, "c:op", 5, time.Minute)
	assert.Equal(t, 2, store.Len(), "a expired and swept, c added")
}

func TestOverCapacityForcesSweep(t *testing.T) {
	store := NewMemoryStore(2)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(store, WithClock(clock.Now), WithRand(neverSweep))
	ctx := context.Background()

	l.Check(ctx, "a:op", 5, time.Second)
	l.Check(ctx, "b:op", 5, time.Second)
	l.Check(ctx, "c:op", 5, time.Second)
	require.True(t, store.OverCapacity())

	clock.Advance(time.Second)
	l.Check(ctx, "d:op", 5, time.Second)
	assert.Equal(t, 1, store.Len())
}

type failingStore struct{}

func (failingStore) Update(context.Context, string, UpdateFunc) error {
	return errors.New("disk full")
}

func (failingStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, errors.New("disk full")
}

func TestCheckFailsOpen(t *testing.T) {
	l := New(failingStore{}, WithRand(func() float64 { return 0 }))
	d := l.Check(context.Background(), "a:op", 2, time.Minute)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestRecorderCollectsDecisions(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore(0))
	ctx, rec := WithRecorder(context.Background())

	l.Check(ctx, "u:transcribe", 5, time.Minute)
	l.Check(ctx, "u:evaluate", 2, time.Minute)

	d, ok := rec.Tightest()
	require.True(t, ok)
	assert.Equal(t, "u:evaluate", d.Key)
	assert.Equal(t, 1, d.Remaining)

	l.Check(ctx, "u:evaluate", 2, time.Minute)
	l.Check(ctx, "u:evaluate", 2, time.Minute)
	d, _ = rec.Tightest()
	assert.False(t, d.Allowed)
}

func TestRecorderFromEmptyContext(t *testing.T) {
	assert.Nil(t, RecorderFrom(context.Background()))
}
