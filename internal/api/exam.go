package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aeroling/oralexam/internal/capture"
	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/exam"
	"github.com/aeroling/oralexam/internal/identity"
	"github.com/aeroling/oralexam/internal/transcript"
	"github.com/aeroling/oralexam/internal/upload"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

// HeaderRecordingDuration carries the duration of an uploaded recording in seconds.
const HeaderRecordingDuration = "X-Recording-Duration"

// ExamHandler serves the exam session endpoints.
type ExamHandler struct {
	svc     *exam.Service
	capture capture.Config
	upload  upload.Config
	now     func() time.Time
}

// NewExamHandler creates a handler. captureCfg bounds uploaded recordings;
// uploadCfg is reported to the frontend.
func NewExamHandler(svc *exam.Service, captureCfg capture.Config, uploadCfg upload.Config) *ExamHandler {
	return &ExamHandler{svc: svc, capture: captureCfg, upload: uploadCfg, now: time.Now}
}

// RegisterRoutes registers exam routes. Every route requires an authenticated user.
func (h *ExamHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/exam", func(r chi.Router) {
		r.Get("/config", h.GetConfig)

		r.Group(func(r chi.Router) {
			r.Use(identity.RequireUser)
			r.Use(RateLimitRecorder)

			r.Get("/sessions", h.Overview)
			r.Route("/sessions/{category}", func(r chi.Router) {
				r.Post("/start", h.StartSession)
				r.Get("/transcript", h.Transcript)
				r.Route("/questions/{index}", func(r chi.Router) {
					r.Post("/answer", h.SubmitAnswer)
					r.Delete("/answer", h.CancelAnswer)
					r.Post("/retry", h.RetryAnswer)
					r.Post("/skip", h.SkipAnswer)
				})
			})
		})
	})
}

// GetConfig returns the recording and retry bounds for the frontend.
func (h *ExamHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"max_recording_seconds": int(h.capture.MaxDuration.Seconds()),
		"max_recording_bytes":   h.capture.MaxBytes,
		"max_attempts":          h.upload.MaxAttempts,
		"questions_per_session": domain.QuestionsPerSession,
		"categories":            domain.Categories,
	})
}

// Overview returns the state of every category for the current user.
func (h *ExamHandler) Overview(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.svc.Overview(r.Context(), userID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// StartSession opens or resumes an attempt.
func (h *ExamHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	category := domain.SessionCategory(chi.URLParam(r, "category"))

	view, err := h.svc.StartSession(r.Context(), userID, category)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	status := http.StatusCreated
	if view.Resumed {
		status = http.StatusOK
	}
	JSON(w, status, view)
}

// Transcript returns the chat transcript of the current or latest attempt.
func (h *ExamHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	category := domain.SessionCategory(chi.URLParam(r, "category"))

	attempt, msgs, err := h.svc.Transcript(r.Context(), userID, category)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*transcript.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"attempt":  attempt,
		"messages": msgs,
	})
}

// SubmitAnswer accepts a recorded answer as the raw request body and runs it
// through transcription and evaluation.
func (h *ExamHandler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.answerRef(w, r)
	if !ok {
		return
	}

	duration, err := parseDuration(r.Header.Get(HeaderRecordingDuration))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, int64(h.capture.MaxBytes))
	audio, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "recording too large")
			return
		}
		Error(w, http.StatusBadRequest, "failed to read recording")
		return
	}

	artifact, err := capture.ArtifactFromUpload(audio, r.Header.Get("Content-Type"), duration, h.capture, h.now())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.svc.SubmitAnswer(r.Context(), ref, artifact, nil)
	h.writeAnswer(w, r, res, err)
}

// RetryAnswer resumes a deferred answer or makes one more attempt after
// retries were exhausted.
func (h *ExamHandler) RetryAnswer(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.answerRef(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RetryAnswer(r.Context(), ref, nil)
	h.writeAnswer(w, r, res, err)
}

// SkipAnswer zero-scores a question whose retries are exhausted.
func (h *ExamHandler) SkipAnswer(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.answerRef(w, r)
	if !ok {
		return
	}
	res, err := h.svc.SkipAnswer(r.Context(), ref)
	h.writeAnswer(w, r, res, err)
}

// CancelAnswer abandons a pending answer without touching progress.
func (h *ExamHandler) CancelAnswer(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.answerRef(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelAnswer(ref); err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(upload.StateCancelled)})
}

func (h *ExamHandler) answerRef(w http.ResponseWriter, r *http.Request) (exam.AnswerRef, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		Error(w, http.StatusBadRequest, "invalid question index")
		return exam.AnswerRef{}, false
	}
	return exam.AnswerRef{
		UserID:   identity.UserIDFromContext(r.Context()),
		Category: domain.SessionCategory(chi.URLParam(r, "category")),
		Question: index,
	}, true
}

// writeAnswer maps the pipeline state to a status: a deferred answer is 429
// with Retry-After, an answer waiting for a retry/skip decision reports the
// status of its last failure.
func (h *ExamHandler) writeAnswer(w http.ResponseWriter, r *http.Request, res *exam.AnswerResult, err error) {
	if err != nil {
		WriteError(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.State {
	case upload.StateDeferred:
		status = http.StatusTooManyRequests
		if res.RateLimit != nil {
			setRetryAfter(w, res.RateLimit.ResetAt)
		}
	case upload.StateAwaitingDecision:
		status = StatusFor(res.Err)
		if status < http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
	case upload.StateCancelled:
		status = http.StatusConflict
	}
	if status >= http.StatusBadRequest {
		slog.Info("Answer not evaluated", "user_id", identity.UserIDFromContext(r.Context()), "state", res.State, "status", status)
	}
	Respond(w, r, status, res)
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("%w: %s header is required", errdefs.ErrInvalidArgument, HeaderRecordingDuration)
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: invalid %s header %q", errdefs.ErrInvalidArgument, HeaderRecordingDuration, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
