package stream

import (
	"context"
	"sync"

	"github.com/aeroling/oralexam/internal/capture"
)

// chunkBuffer is the number of audio frames queued between the socket and the recorder.
const chunkBuffer = 64

// grant is the browser's answer to a microphone request.
type grant struct {
	mimeType string
	denied   bool
}

// microphone is a capture.Microphone backed by the browser at the other end
// of the socket. Acquire asks the browser for the device and waits for its
// answer; audio arrives as binary frames.
type microphone struct {
	request func() error

	mu      sync.Mutex
	waiting chan grant
	current *input
}

func newMicrophone(request func() error) *microphone {
	return &microphone{request: request}
}

// Acquire implements capture.Microphone.
func (m *microphone) Acquire(ctx context.Context) (capture.Input, error) {
	answer := make(chan grant, 1)
	m.mu.Lock()
	m.waiting = answer
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.waiting == answer {
			m.waiting = nil
		}
		m.mu.Unlock()
	}()

	if err := m.request(); err != nil {
		return nil, err
	}

	select {
	case g := <-answer:
		if g.denied {
			return nil, capture.ErrPermissionDenied
		}
		in := newInput(g.mimeType)
		m.mu.Lock()
		m.current = in
		m.mu.Unlock()
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// answer delivers the browser's reply. It reports false when no request is pending.
func (m *microphone) answer(g grant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting == nil {
		return false
	}
	select {
	case m.waiting <- g:
		m.waiting = nil
		return true
	default:
		return false
	}
}

// push forwards an audio frame to the active input. Frames arriving while no
// recording is active are dropped.
func (m *microphone) push(ctx context.Context, frame []byte) bool {
	m.mu.Lock()
	in := m.current
	m.mu.Unlock()
	if in == nil {
		return false
	}
	return in.push(ctx, frame)
}

// disconnect tells the active input the device is gone.
func (m *microphone) disconnect() {
	m.mu.Lock()
	in := m.current
	m.current = nil
	m.mu.Unlock()
	if in != nil {
		in.end()
	}
}

// input is one granted recording. Only the socket reader sends on or closes chunks.
type input struct {
	mimeType string
	chunks   chan []byte
	released chan struct{}

	releaseOnce sync.Once
	endOnce     sync.Once
}

func newInput(mimeType string) *input {
	if mimeType == "" {
		mimeType = capture.DefaultMimeType
	}
	return &input{
		mimeType: mimeType,
		chunks:   make(chan []byte, chunkBuffer),
		released: make(chan struct{}),
	}
}

func (in *input) Chunks() <-chan []byte { return in.chunks }

func (in *input) MimeType() string { return in.mimeType }

// Close releases the device. Later frames are discarded.
func (in *input) Close() error {
	in.releaseOnce.Do(func() { close(in.released) })
	return nil
}

func (in *input) push(ctx context.Context, frame []byte) bool {
	data := make([]byte, len(frame))
	copy(data, frame)
	select {
	case <-in.released:
		return false
	default:
	}
	select {
	case in.chunks <- data:
		return true
	case <-in.released:
		return false
	case <-ctx.Done():
		return false
	}
}

func (in *input) end() {
	in.endOnce.Do(func() { close(in.chunks) })
}
