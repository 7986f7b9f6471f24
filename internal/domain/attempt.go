package domain

import (
	"time"
)

// Attempt is one run through the questions of a session category.
type Attempt struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Category    SessionCategory `json:"category"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Score       *int            `json:"score,omitempty"`
}

// IsOpen returns true while the attempt has unanswered questions.
func (a *Attempt) IsOpen() bool {
	return a.CompletedAt == nil
}

// AnswerStatus records how a question was closed.
type AnswerStatus string

const (
	AnswerStatusEvaluated AnswerStatus = "evaluated"
	AnswerStatusSkipped   AnswerStatus = "skipped"
)

// Answer is the recorded outcome of one question within an attempt.
type Answer struct {
	AttemptID       string            `json:"attempt_id"`
	UserID          string            `json:"user_id"`
	Category        SessionCategory   `json:"category"`
	QuestionIndex   int               `json:"question_index"`
	Status          AnswerStatus      `json:"status"`
	Evaluation      *AnswerEvaluation `json:"evaluation,omitempty"`
	Overall         int               `json:"overall"`
	Transcript      string            `json:"transcript,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AnsweredIndexes returns the set of question indexes that have an answer.
func AnsweredIndexes(answers []*Answer) map[int]bool {
	out := make(map[int]bool, len(answers))
	for _, a := range answers {
		out[a.QuestionIndex] = true
	}
	return out
}
