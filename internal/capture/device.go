package capture

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by Microphone.Acquire when the user refuses access.
var ErrPermissionDenied = errors.New("microphone permission denied")

// Microphone hands out exclusive access to an audio input device.
type Microphone interface {
	// Acquire blocks until the device is granted or refused.
	Acquire(ctx context.Context) (Input, error)
}

// Input is an acquired device. Chunks is closed when the device goes away.
// Close releases the device and must be safe to call more than once.
type Input interface {
	Chunks() <-chan []byte
	MimeType() string
	Close() error
}

// Clock abstracts time so tests can drive the duration guard.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the recorder needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
