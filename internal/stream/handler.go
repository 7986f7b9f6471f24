// Package stream records answers over a WebSocket: the browser acts as the
// microphone and the server drives capture and submission.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aeroling/oralexam/internal/api"
	"github.com/aeroling/oralexam/internal/capture"
	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/exam"
	"github.com/aeroling/oralexam/internal/identity"
	"github.com/aeroling/oralexam/internal/upload"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 32
)

// Handler serves answer recording sessions.
type Handler struct {
	svc            *exam.Service
	capture        capture.Config
	allowedOrigins []string
	sockets        *Registry
}

// NewHandler creates a stream handler. allowedOrigins may contain "*".
func NewHandler(svc *exam.Service, captureCfg capture.Config, allowedOrigins []string) *Handler {
	return &Handler{svc: svc, capture: captureCfg, allowedOrigins: allowedOrigins, sockets: NewRegistry()}
}

// Close disconnects every recording socket.
func (h *Handler) Close() {
	if n := h.sockets.CloseAll(); n > 0 {
		slog.Info("Closed recording sockets", "count", n)
	}
}

// RegisterRoutes registers the recording socket.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(identity.RequireUser).Get("/ws/exam/{category}/questions/{index}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	category := domain.SessionCategory(chi.URLParam(r, "category"))
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		api.Error(w, http.StatusBadRequest, "invalid question index")
		return
	}
	def, err := h.svc.Table().Lookup(category)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	if _, err := def.Question(index); err != nil {
		api.WriteError(w, r, err)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(int64(h.maxBytes()))

	question := fmt.Sprintf("%s:%d", category, index)
	h.sockets.Register(userID, question, ws)
	defer h.sockets.Unregister(userID, question, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := newSession(ctx, ws, h.svc, h.capture, exam.AnswerRef{UserID: userID, Category: category, Question: index})
	slog.Info("Recording session started", "user_id", userID, "category", category, "question", index)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		s.inputLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		s.outputLoop(ctx)
	}()

	wg.Wait()
	s.close()
	slog.Info("Recording session ended", "user_id", userID, "category", category, "question", index)
}

func (h *Handler) maxBytes() int {
	if h.capture.MaxBytes > 0 {
		return h.capture.MaxBytes
	}
	return capture.DefaultConfig().MaxBytes
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

// session is one connection recording one question.
type session struct {
	ws     *websocket.Conn
	svc    *exam.Service
	ref    exam.AnswerRef
	cfg    capture.Config
	mic    *microphone
	rec    *capture.Recorder
	events chan Event

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
	ctx    context.Context
}

func newSession(ctx context.Context, ws *websocket.Conn, svc *exam.Service, cfg capture.Config, ref exam.AnswerRef) *session {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = capture.DefaultConfig().MaxDuration
	}
	s := &session{
		ws:     ws,
		svc:    svc,
		ref:    ref,
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
		ctx:    ctx,
	}
	s.mic = newMicrophone(func() error {
		return s.emit(Event{Type: EventRequestMicrophone})
	})
	s.rec = capture.NewRecorder(s.mic, cfg,
		capture.WithOnTick(s.onTick),
		capture.WithOnStop(s.onStop),
	)
	return s
}

// emit queues ev for the output loop.
func (s *session) emit(ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *session) emitError(err error) {
	ev := Event{Type: EventError, Error: err.Error()}
	if kind := domain.FailureKindOf(err); kind != domain.FailureUnknown {
		ev.Failure = kind
	}
	_ = s.emit(ev)
}

// spawn runs fn in the background unless the session is closing.
func (s *session) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

// close waits for background work and releases the microphone.
func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.tasks.Wait()
	s.rec.Abort()
	s.mic.disconnect()
}

func (s *session) inputLoop(ctx context.Context) {
	for {
		typ, message, err := s.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed", "user_id", s.ref.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", s.ref.UserID)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if !s.mic.push(ctx, message) {
				slog.Debug("Dropped audio frame outside a recording", "user_id", s.ref.UserID, "bytes", len(message))
			}
			continue
		}

		var msg control
		if err := json.Unmarshal(message, &msg); err != nil {
			_ = s.emit(Event{Type: EventError, Error: "invalid control message"})
			continue
		}
		s.dispatch(msg)
	}
}

//nolint:gocyclo // One case per control frame.
func (s *session) dispatch(msg control) {
	switch msg.Type {
	case ControlStart:
		// Start holds the recorder until the browser answers the microphone
		// request, which arrives on this loop. Recorder calls never run here.
		s.spawn(s.start)
	case ControlMicrophoneGranted:
		if !s.mic.answer(grant{mimeType: msg.MimeType}) {
			_ = s.emit(Event{Type: EventError, Error: "no microphone request pending"})
		}
	case ControlPermissionDenied:
		if !s.mic.answer(grant{denied: true}) {
			_ = s.emit(Event{Type: EventError, Error: "no microphone request pending"})
		}
	case ControlStop:
		s.spawn(func() {
			if _, err := s.rec.Stop(); err != nil {
				s.emitError(err)
			}
		})
	case ControlClear:
		s.spawn(func() {
			if err := s.rec.Clear(); err != nil {
				s.emitError(err)
				return
			}
			_ = s.emit(Event{Type: EventCleared})
		})
	case ControlRetry:
		s.spawn(func() {
			res, err := s.svc.RetryAnswer(s.ctx, s.ref, s.observe)
			s.report(res, err)
		})
	case ControlSkip:
		s.spawn(func() {
			res, err := s.svc.SkipAnswer(s.ctx, s.ref)
			s.report(res, err)
		})
	case ControlCancel:
		s.spawn(s.cancel)
	case ControlPing:
		_ = s.emit(Event{Type: EventPong})
	default:
		_ = s.emit(Event{Type: EventError, Error: "unknown control message " + strconv.Quote(msg.Type)})
	}
}

func (s *session) start() {
	if err := s.rec.Start(s.ctx); err != nil {
		// A cancel while the browser is prompting reports cancelled on its own.
		if s.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			s.emitError(err)
		}
		return
	}
	_ = s.emit(Event{Type: EventRecording, MaxSeconds: int(s.cfg.MaxDuration.Seconds())})
}

func (s *session) cancel() {
	s.rec.Abort()
	if err := s.svc.CancelAnswer(s.ref); err != nil && !errors.Is(err, exam.ErrNoPendingAnswer) {
		s.emitError(err)
		return
	}
	_ = s.emit(Event{Type: EventCancelled})
}

func (s *session) onTick(elapsed time.Duration) {
	remaining := s.cfg.MaxDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	_ = s.emit(Event{
		Type:             EventTick,
		ElapsedSeconds:   elapsed.Seconds(),
		RemainingSeconds: remaining.Seconds(),
	})
}

// onStop runs on the recorder goroutine; submission happens in the background.
func (s *session) onStop(artifact *domain.RecordingArtifact, reason capture.StopReason) {
	_ = s.emit(Event{
		Type:            EventStopped,
		Reason:          string(reason),
		DurationSeconds: artifact.DurationSeconds(),
		Bytes:           artifact.Size(),
	})
	s.spawn(func() {
		res, err := s.svc.SubmitAnswer(s.ctx, s.ref, artifact, s.observe)
		s.report(res, err)
	})
}

// observe forwards failed attempts that will be retried.
func (s *session) observe(p upload.Progress) {
	if p.State != upload.StateBackingOff {
		return
	}
	_ = s.emit(Event{
		Type:        EventAttemptFailed,
		Attempts:    p.Attempts,
		MaxAttempts: p.MaxAttempts,
		Failure:     p.Failure,
		WaitSeconds: p.Wait.Seconds(),
		Error:       errString(p.Err),
	})
}

func (s *session) report(res *exam.AnswerResult, err error) {
	if err != nil {
		if s.ctx.Err() == nil {
			s.emitError(err)
		}
		return
	}
	ev := Event{
		Attempts:    res.Attempts,
		MaxAttempts: res.MaxAttempts,
		Failure:     res.Failure,
		Error:       res.Error,
		Result:      res,
	}
	switch res.State {
	case upload.StateSucceeded:
		ev.Type = EventEvaluated
	case upload.StateSkipped:
		ev.Type = EventSkipped
	case upload.StateDeferred:
		ev.Type = EventRateLimited
		ev.ResumeAt = res.ResumeAt
	case upload.StateAwaitingDecision:
		ev.Type = EventAwaitingDecision
	case upload.StateCancelled:
		ev.Type = EventCancelled
	default:
		ev.Type = EventError
	}
	_ = s.emit(ev)
}

func (s *session) outputLoop(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			if err := s.writeJSON(ctx, ev); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "user_id", s.ref.UserID)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.ws.Write(writeCtx, websocket.MessageText, data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
