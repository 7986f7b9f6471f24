// Package exam runs the answer pipeline: a recorded answer is transcribed,
// evaluated, scored and persisted, and a finished session feeds progression.
package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/evaluator"
	"github.com/aeroling/oralexam/internal/progression"
	"github.com/aeroling/oralexam/internal/store"
	"github.com/aeroling/oralexam/internal/telemetry"
	"github.com/aeroling/oralexam/internal/transcript"
	"github.com/aeroling/oralexam/internal/upload"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAnswerInFlight is returned when a question already has a running or undecided submission.
	ErrAnswerInFlight = fmt.Errorf("answer already in flight: %w", errdefs.ErrConflict)
	// ErrNoOpenAttempt is returned when answering a category that has not been started.
	ErrNoOpenAttempt = fmt.Errorf("no open attempt for session: %w", errdefs.ErrFailedPrecondition)
	// ErrQuestionOrder is returned when answering a question other than the next one.
	ErrQuestionOrder = fmt.Errorf("question is not the next unanswered one: %w", errdefs.ErrFailedPrecondition)
	// ErrNoPendingAnswer is returned by retry, skip and cancel when nothing is pending.
	ErrNoPendingAnswer = fmt.Errorf("no pending answer: %w", errdefs.ErrNotFound)
	// ErrAnswerFinalized is returned when cancelling an answer that already succeeded or was skipped.
	ErrAnswerFinalized = fmt.Errorf("answer already finalized: %w", errdefs.ErrConflict)
)

// AnswerRef addresses one question of one user's session.
type AnswerRef struct {
	UserID   string
	Category domain.SessionCategory
	Question int
}

func (r AnswerRef) key() string {
	return fmt.Sprintf("%s:%s:%d", r.UserID, r.Category, r.Question)
}

// Observer receives coordinator progress for one answer. It is called
// synchronously from the pipeline and must not block.
type Observer func(upload.Progress)

// SessionView describes an open attempt.
type SessionView struct {
	Attempt       *domain.Attempt          `json:"attempt"`
	Definition    domain.SessionDefinition `json:"session"`
	Answers       []*domain.Answer         `json:"answers"`
	NextQuestion  int                      `json:"next_question"`
	Prompt        string                   `json:"prompt,omitempty"`
	Resumed       bool                     `json:"resumed"`
	PendingStates map[int]upload.State     `json:"pending,omitempty"`
}

// AnswerResult reports where an answer submission ended.
type AnswerResult struct {
	State        upload.State       `json:"state"`
	Attempts     int                `json:"attempts"`
	MaxAttempts  int                `json:"max_attempts"`
	Failure      domain.FailureKind `json:"failure,omitempty"`
	Error        string             `json:"error,omitempty"`
	ResumeAt     *time.Time         `json:"resume_at,omitempty"`
	Answer       *domain.Answer     `json:"answer,omitempty"`
	NextQuestion *int               `json:"next_question,omitempty"`
	Session      *SessionResult     `json:"session,omitempty"`

	// Err is the last pipeline error of a pending answer.
	Err error `json:"-"`
	// RateLimit is set when the answer was deferred by rate limiting.
	RateLimit *domain.RateLimitedError `json:"-"`
}

// SessionResult is set on the answer that completed its session.
type SessionResult struct {
	Score    int                      `json:"score"`
	Best     int                      `json:"best_score"`
	Unlocked []domain.SessionCategory `json:"unlocked,omitempty"`
}

// Config configures a Service.
type Config struct {
	Upload upload.Config
}

// Service orchestrates exam sessions. It is safe for concurrent use.
type Service struct {
	repo        store.Repository
	tracker     *progression.Tracker
	transcriber evaluator.Transcriber
	evaluator   evaluator.Evaluator
	cfg         Config
	now         func() time.Time
	tracer      trace.Tracer
	uploadOpts  []upload.Option

	mu      sync.Mutex
	pending map[string]*job
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithUploadOptions passes extra options to every coordinator.
func WithUploadOptions(opts ...upload.Option) Option {
	return func(s *Service) { s.uploadOpts = append(s.uploadOpts, opts...) }
}

// NewService creates a service. t and e are normally rate-limit guarded engines.
func NewService(repo store.Repository, tracker *progression.Tracker, t evaluator.Transcriber, e evaluator.Evaluator, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		tracker:     tracker,
		transcriber: t,
		evaluator:   e,
		cfg:         cfg,
		now:         time.Now,
		tracer:      telemetry.Tracer(),
		pending:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table returns the session table.
func (s *Service) Table() *domain.SessionTable {
	return s.tracker.Table()
}

// Overview returns the state of every category for a user.
func (s *Service) Overview(ctx context.Context, userID string) ([]progression.CategoryStatus, error) {
	progress, err := s.repo.GetProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	attempts, err := s.repo.OpenAttempts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get open attempts: %w", err)
	}
	open := make(map[domain.SessionCategory]bool, len(attempts))
	recovered := false
	for c, attempt := range attempts {
		def, err := s.tracker.Table().Lookup(c)
		if err != nil {
			open[c] = true
			continue
		}
		closed, err := s.finishIfComplete(ctx, def, attempt)
		if err != nil {
			return nil, err
		}
		if closed {
			recovered = true
			continue
		}
		open[c] = true
	}
	if recovered {
		if progress, err = s.repo.GetProgress(ctx, userID); err != nil {
			return nil, fmt.Errorf("get progress: %w", err)
		}
	}
	return s.tracker.Overview(progress, open)
}

// StartSession opens an attempt for category, or resumes the open one.
// Locked categories are rejected with progression.ErrSessionLocked.
func (s *Service) StartSession(ctx context.Context, userID string, category domain.SessionCategory) (*SessionView, error) {
	ctx, span := s.tracer.Start(ctx, "exam.StartSession", trace.WithAttributes(
		attribute.String("exam.category", string(category)),
	))
	defer span.End()

	def, err := s.tracker.Table().Lookup(category)
	if err != nil {
		return nil, err
	}

	attempt, err := s.repo.GetOpenAttempt(ctx, userID, category)
	if err != nil {
		return nil, fmt.Errorf("get open attempt: %w", err)
	}
	if attempt != nil {
		// An attempt with every question answered but never closed is
		// finished here, and a new one is started below.
		closed, err := s.finishIfComplete(ctx, def, attempt)
		if err != nil {
			return nil, err
		}
		if !closed {
			return s.view(ctx, def, attempt, true)
		}
	}

	progress, err := s.repo.GetProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	if err := s.tracker.CanStart(progress, category); err != nil {
		return nil, err
	}

	now := s.now()
	attempt = &domain.Attempt{
		ID:        uuid.NewString(),
		UserID:    userID,
		Category:  category,
		StartedAt: now,
	}
	first, _ := def.Question(0)
	msgs := []*transcript.Message{transcript.NewQuestion(attempt.ID, category, 0, first, now)}
	if err := s.repo.CreateAttempt(ctx, attempt, msgs); err != nil {
		if errors.Is(err, store.ErrAttemptOpen) {
			// Lost a race with a concurrent start.
			existing, getErr := s.repo.GetOpenAttempt(ctx, userID, category)
			if getErr == nil && existing != nil {
				return s.view(ctx, def, existing, true)
			}
		}
		span.RecordError(err)
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	slog.Info("session started", "user_id", userID, "category", category, "attempt_id", attempt.ID)
	return s.view(ctx, def, attempt, false)
}

func (s *Service) view(ctx context.Context, def domain.SessionDefinition, attempt *domain.Attempt, resumed bool) (*SessionView, error) {
	answers, err := s.repo.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	v := &SessionView{
		Attempt:      attempt,
		Definition:   def,
		Answers:      answers,
		NextQuestion: nextQuestion(def, answers),
		Resumed:      resumed,
	}
	if v.NextQuestion >= 0 {
		v.Prompt, _ = def.Question(v.NextQuestion)
	}

	s.mu.Lock()
	for i := 0; i < def.QuestionCount; i++ {
		ref := AnswerRef{UserID: attempt.UserID, Category: def.Category, Question: i}
		if j, ok := s.pending[ref.key()]; ok {
			if v.PendingStates == nil {
				v.PendingStates = make(map[int]upload.State)
			}
			v.PendingStates[i] = j.coord.State()
		}
	}
	s.mu.Unlock()
	return v, nil
}

// nextQuestion returns the lowest unanswered index, or -1 when all are answered.
func nextQuestion(def domain.SessionDefinition, answers []*domain.Answer) int {
	answered := domain.AnsweredIndexes(answers)
	for i := 0; i < def.QuestionCount; i++ {
		if !answered[i] {
			return i
		}
	}
	return -1
}

// Transcript returns the chat transcript of the open attempt, or of the most
// recent one when none is open. A category never started has an empty transcript.
func (s *Service) Transcript(ctx context.Context, userID string, category domain.SessionCategory) (*domain.Attempt, []*transcript.Message, error) {
	if _, err := s.tracker.Table().Lookup(category); err != nil {
		return nil, nil, err
	}
	attempt, err := s.repo.GetOpenAttempt(ctx, userID, category)
	if err != nil {
		return nil, nil, fmt.Errorf("get open attempt: %w", err)
	}
	if attempt == nil {
		attempt, err = s.repo.LatestAttempt(ctx, userID, category)
		if err != nil {
			return nil, nil, fmt.Errorf("get latest attempt: %w", err)
		}
	}
	if attempt == nil {
		return nil, []*transcript.Message{}, nil
	}
	msgs, err := s.repo.ListMessages(ctx, attempt.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return attempt, msgs, nil
}
