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
	"github.com/aeroling/oralexam/internal/scoring"
	"github.com/aeroling/oralexam/internal/store"
	"github.com/aeroling/oralexam/internal/transcript"
	"github.com/aeroling/oralexam/internal/upload"
	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// job is one pending answer: an artifact and the coordinator submitting it.
type job struct {
	ref      AnswerRef
	attempt  *domain.Attempt
	def      domain.SessionDefinition
	prompt   string
	artifact *domain.RecordingArtifact
	coord    *upload.Coordinator

	mu         sync.Mutex
	running    bool
	observer   Observer
	transcript *domain.Transcript
	touchedAt  time.Time
}

func (j *job) begin(obs Observer, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return false
	}
	j.running = true
	j.observer = obs
	j.touchedAt = now
	return true
}

func (j *job) end(now time.Time) {
	j.mu.Lock()
	j.running = false
	j.observer = nil
	j.touchedAt = now
	j.mu.Unlock()
}

func (j *job) publish(p upload.Progress) {
	j.mu.Lock()
	obs := j.observer
	j.mu.Unlock()
	if obs != nil {
		obs(p)
	}
}

func (j *job) cachedTranscript() (domain.Transcript, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.transcript == nil {
		return domain.Transcript{}, false
	}
	return *j.transcript, true
}

func (j *job) idleSince() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.touchedAt, !j.running
}

// submitFunc transcribes once, then evaluates. A transcript that succeeded
// is reused by later attempts so a failing evaluator does not re-spend the
// transcription budget.
func (s *Service) submitFunc(j *job) upload.SubmitFunc {
	return func(ctx context.Context, artifact *domain.RecordingArtifact) (*domain.SubmissionResult, error) {
		tr, ok := j.cachedTranscript()
		if !ok {
			var err error
			tr, err = s.transcribe(ctx, artifact)
			if err != nil {
				return nil, err
			}
			j.mu.Lock()
			j.transcript = &tr
			j.mu.Unlock()
		}

		eval, err := s.evaluate(ctx, evaluator.NewEvaluationRequest(j.prompt, tr.Text, artifact.DurationSeconds()))
		if err != nil {
			return nil, err
		}
		return &domain.SubmissionResult{Transcript: tr, Evaluation: eval}, nil
	}
}

func (s *Service) transcribe(ctx context.Context, artifact *domain.RecordingArtifact) (domain.Transcript, error) {
	ctx, span := s.tracer.Start(ctx, "exam.transcribe", trace.WithAttributes(
		attribute.Int("audio.bytes", artifact.Size()),
		attribute.String("audio.mime_type", artifact.MimeType),
	))
	defer span.End()

	tr, err := s.transcriber.Transcribe(ctx, artifact)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.FailureKindOf(err)))
	}
	return tr, err
}

func (s *Service) evaluate(ctx context.Context, req evaluator.EvaluationRequest) (domain.AnswerEvaluation, error) {
	ctx, span := s.tracer.Start(ctx, "exam.evaluate")
	defer span.End()

	eval, err := s.evaluator.Evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.FailureKindOf(err)))
	}
	return eval, err
}

// SubmitAnswer runs the upload cycle for a recorded answer and blocks until
// it succeeds, is deferred by rate limiting, waits for a retry/skip
// decision, or is cancelled. Only the next unanswered question of an open
// attempt can be answered, and only one submission per question may be pending.
func (s *Service) SubmitAnswer(ctx context.Context, ref AnswerRef, artifact *domain.RecordingArtifact, obs Observer) (*AnswerResult, error) {
	ctx, span := s.tracer.Start(ctx, "exam.SubmitAnswer", trace.WithAttributes(
		attribute.String("exam.category", string(ref.Category)),
		attribute.Int("exam.question", ref.Question),
	))
	defer span.End()

	def, err := s.tracker.Table().Lookup(ref.Category)
	if err != nil {
		return nil, err
	}
	prompt, err := def.Question(ref.Question)
	if err != nil {
		return nil, err
	}
	if artifact == nil || artifact.Size() == 0 {
		return nil, fmt.Errorf("%w: empty recording", errdefs.ErrInvalidArgument)
	}

	attempt, err := s.repo.GetOpenAttempt(ctx, ref.UserID, ref.Category)
	if err != nil {
		return nil, fmt.Errorf("get open attempt: %w", err)
	}
	if attempt == nil {
		return nil, ErrNoOpenAttempt
	}
	answers, err := s.repo.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	if domain.AnsweredIndexes(answers)[ref.Question] {
		return nil, fmt.Errorf("%w: question %d", store.ErrAnswerExists, ref.Question)
	}
	if next := nextQuestion(def, answers); next != ref.Question {
		return nil, fmt.Errorf("%w: next is %d", ErrQuestionOrder, next)
	}

	j := &job{
		ref:       ref,
		attempt:   attempt,
		def:       def,
		prompt:    prompt,
		artifact:  artifact,
		touchedAt: s.now(),
	}
	opts := append([]upload.Option{upload.WithOnProgress(j.publish)}, s.uploadOpts...)
	j.coord = upload.New(artifact, s.submitFunc(j), s.cfg.Upload, opts...)

	s.mu.Lock()
	if _, exists := s.pending[ref.key()]; exists {
		s.mu.Unlock()
		return nil, ErrAnswerInFlight
	}
	s.pending[ref.key()] = j
	s.mu.Unlock()

	slog.Info("answer submitted",
		"user_id", ref.UserID,
		"category", ref.Category,
		"question", ref.Question,
		"artifact_id", artifact.ID,
		"bytes", artifact.Size(),
		"duration_seconds", artifact.DurationSeconds())

	res, err := s.drive(ctx, j, obs, j.coord.Submit)
	recordOutcome(span, res, err)
	return res, err
}

// RetryAnswer resumes a pending answer: a deferred one continues its run, an
// exhausted one makes one more attempt.
func (s *Service) RetryAnswer(ctx context.Context, ref AnswerRef, obs Observer) (*AnswerResult, error) {
	ctx, span := s.tracer.Start(ctx, "exam.RetryAnswer", trace.WithAttributes(
		attribute.String("exam.category", string(ref.Category)),
		attribute.Int("exam.question", ref.Question),
	))
	defer span.End()

	j, ok := s.lookup(ref)
	if !ok {
		return nil, ErrNoPendingAnswer
	}
	res, err := s.drive(ctx, j, obs, func(ctx context.Context) upload.Outcome {
		if j.coord.State() == upload.StateDeferred {
			return j.coord.Submit(ctx)
		}
		return j.coord.Retry(ctx)
	})
	recordOutcome(span, res, err)
	return res, err
}

// SkipAnswer closes an exhausted answer with a zero score. It is only
// available once automatic retries are used up.
func (s *Service) SkipAnswer(ctx context.Context, ref AnswerRef) (*AnswerResult, error) {
	j, ok := s.lookup(ref)
	if !ok {
		return nil, ErrNoPendingAnswer
	}
	if err := j.coord.Skip(); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrFailedPrecondition, err)
	}
	defer s.release(j)

	now := s.now()
	text := ""
	if tr, ok := j.cachedTranscript(); ok {
		text = tr.Text
	}
	answer := &domain.Answer{
		AttemptID:       j.attempt.ID,
		UserID:          ref.UserID,
		Category:        ref.Category,
		QuestionIndex:   ref.Question,
		Status:          domain.AnswerStatusSkipped,
		Overall:         0,
		Transcript:      text,
		DurationSeconds: j.artifact.DurationSeconds(),
		Attempts:        j.coord.Attempts(),
		CreatedAt:       now,
	}
	msgs := []*transcript.Message{
		transcript.NewAudioAnswer(j.attempt.ID, ref.Category, ref.Question, j.artifact, text, now),
		transcript.NewSkippedScore(j.attempt.ID, ref.Category, ref.Question, now),
	}
	slog.Info("answer skipped", "user_id", ref.UserID, "category", ref.Category, "question", ref.Question, "attempts", answer.Attempts)
	return s.record(context.WithoutCancel(ctx), j, answer, msgs, upload.StateSkipped)
}

// CancelAnswer abandons a pending answer. Any in-flight result is discarded
// and nothing is persisted; a later SubmitAnswer starts with a fresh attempt count.
func (s *Service) CancelAnswer(ref AnswerRef) error {
	j, ok := s.lookup(ref)
	if !ok {
		return ErrNoPendingAnswer
	}
	if !j.coord.Cancel() {
		return ErrAnswerFinalized
	}
	s.release(j)
	slog.Info("answer cancelled", "user_id", ref.UserID, "category", ref.Category, "question", ref.Question)
	return nil
}

// PendingState returns the coordinator state of a pending answer.
func (s *Service) PendingState(ref AnswerRef) (upload.State, bool) {
	j, ok := s.lookup(ref)
	if !ok {
		return "", false
	}
	return j.coord.State(), true
}

func (s *Service) lookup(ref AnswerRef) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.pending[ref.key()]
	return j, ok
}

// release forgets j unless a newer job has taken its key.
func (s *Service) release(j *job) {
	s.mu.Lock()
	if s.pending[j.ref.key()] == j {
		delete(s.pending, j.ref.key())
	}
	s.mu.Unlock()
}

func (s *Service) drive(ctx context.Context, j *job, obs Observer, run func(context.Context) upload.Outcome) (*AnswerResult, error) {
	if !j.begin(obs, s.now()) {
		return nil, ErrAnswerInFlight
	}
	out := run(ctx)
	// The job stays busy until its outcome is persisted.
	defer func() { j.end(s.now()) }()

	switch out.State {
	case upload.StateSucceeded:
		defer s.release(j)
		return s.recordEvaluated(context.WithoutCancel(ctx), j, out)
	case upload.StateCancelled:
		s.release(j)
		return &AnswerResult{State: out.State, Attempts: out.Attempts, MaxAttempts: s.maxAttempts()}, nil
	case upload.StateDeferred, upload.StateAwaitingDecision:
		res := &AnswerResult{
			State:       out.State,
			Attempts:    out.Attempts,
			MaxAttempts: s.maxAttempts(),
			Failure:     out.Failure,
			Err:         out.Err,
		}
		if out.Err != nil {
			res.Error = out.Err.Error()
		}
		if out.State == upload.StateDeferred {
			resumeAt := out.ResumeAt
			res.ResumeAt = &resumeAt
			var rl *domain.RateLimitedError
			if errors.As(out.Err, &rl) {
				res.RateLimit = rl
			}
		}
		slog.Warn("answer pending",
			"user_id", j.ref.UserID,
			"category", j.ref.Category,
			"question", j.ref.Question,
			"state", out.State,
			"attempts", out.Attempts,
			"failure", out.Failure,
			"error", out.Err)
		return res, nil
	default:
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConflict, out.Err)
	}
}

func (s *Service) maxAttempts() int {
	if s.cfg.Upload.MaxAttempts > 0 {
		return s.cfg.Upload.MaxAttempts
	}
	return upload.DefaultConfig().MaxAttempts
}

func (s *Service) recordEvaluated(ctx context.Context, j *job, out upload.Outcome) (*AnswerResult, error) {
	eval := out.Result.Evaluation
	overall := scoring.Aggregate(eval)
	now := s.now()
	answer := &domain.Answer{
		AttemptID:       j.attempt.ID,
		UserID:          j.ref.UserID,
		Category:        j.ref.Category,
		QuestionIndex:   j.ref.Question,
		Status:          domain.AnswerStatusEvaluated,
		Evaluation:      &eval,
		Overall:         overall,
		Transcript:      out.Result.Transcript.Text,
		DurationSeconds: j.artifact.DurationSeconds(),
		Attempts:        out.Attempts,
		CreatedAt:       now,
	}
	msgs := []*transcript.Message{
		transcript.NewAudioAnswer(j.attempt.ID, j.ref.Category, j.ref.Question, j.artifact, answer.Transcript, now),
		transcript.NewScore(j.attempt.ID, j.ref.Category, j.ref.Question, eval, overall, now),
	}
	slog.Info("answer evaluated",
		"user_id", j.ref.UserID,
		"category", j.ref.Category,
		"question", j.ref.Question,
		"overall", overall,
		"attempts", out.Attempts)
	return s.record(ctx, j, answer, msgs, upload.StateSucceeded)
}

// record persists a closed answer with its messages and the next question's
// prompt. The answer that closes the last question also closes the attempt
// in the same write.
func (s *Service) record(ctx context.Context, j *job, answer *domain.Answer, msgs []*transcript.Message, state upload.State) (*AnswerResult, error) {
	res := &AnswerResult{
		State:       state,
		Attempts:    answer.Attempts,
		MaxAttempts: s.maxAttempts(),
		Answer:      answer,
	}
	if next := j.ref.Question + 1; next < j.def.QuestionCount {
		prompt, _ := j.def.Question(next)
		msgs = append(msgs, transcript.NewQuestion(j.attempt.ID, j.ref.Category, next, prompt, answer.CreatedAt))
		res.NextQuestion = &next
	}

	answers, err := s.repo.ListAnswers(ctx, j.attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	answers = append(answers, answer)

	var done *store.Completion
	if s.tracker.IsComplete(j.def, answers) {
		done, res.Session, err = s.completion(ctx, j.attempt, answers)
		if err != nil {
			return nil, err
		}
	}

	if err := s.repo.RecordAnswer(ctx, answer, msgs, done); err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}
	if done != nil {
		s.closed(j.attempt, done, res.Session)
	}
	return res, nil
}

// completion scores a finished attempt and works out what it unlocks.
func (s *Service) completion(ctx context.Context, attempt *domain.Attempt, answers []*domain.Answer) (*store.Completion, *SessionResult, error) {
	score := scoring.SessionScore(scoring.AnswerScores(answers))
	progress, err := s.repo.GetProgress(ctx, attempt.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("get progress: %w", err)
	}
	unlocked, err := s.tracker.Complete(progress, attempt.Category, score)
	if err != nil {
		return nil, nil, err
	}
	best, _ := progress.BestScore(attempt.Category)
	return &store.Completion{Score: score, CompletedAt: s.now()},
		&SessionResult{Score: score, Best: best, Unlocked: unlocked}, nil
}

func (s *Service) closed(attempt *domain.Attempt, done *store.Completion, session *SessionResult) {
	completedAt, score := done.CompletedAt, done.Score
	attempt.CompletedAt = &completedAt
	attempt.Score = &score
	slog.Info("session completed",
		"user_id", attempt.UserID,
		"category", attempt.Category,
		"attempt_id", attempt.ID,
		"score", session.Score,
		"best_score", session.Best,
		"unlocked", session.Unlocked)
}

// finishIfComplete closes an open attempt whose questions are all answered.
// It reports whether the attempt was closed.
func (s *Service) finishIfComplete(ctx context.Context, def domain.SessionDefinition, attempt *domain.Attempt) (bool, error) {
	answers, err := s.repo.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return false, fmt.Errorf("list answers: %w", err)
	}
	if !s.tracker.IsComplete(def, answers) {
		return false, nil
	}
	done, session, err := s.completion(ctx, attempt, answers)
	if err != nil {
		return false, err
	}
	closing := *attempt
	closing.CompletedAt = &done.CompletedAt
	if err := s.repo.FinishAttempt(ctx, &closing, done.Score); err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			// Closed concurrently.
			return true, nil
		}
		return false, fmt.Errorf("finish attempt: %w", err)
	}
	s.closed(attempt, done, session)
	return true, nil
}

func recordOutcome(span trace.Span, res *AnswerResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("upload.state", string(res.State)),
		attribute.Int("upload.attempts", res.Attempts),
	)
	if res.Failure != "" {
		span.SetAttributes(attribute.String("upload.failure", string(res.Failure)))
	}
}
