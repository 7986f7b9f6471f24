// Package evaluator adapts the external transcription and evaluation engines.
package evaluator

import (
	"context"

	"github.com/aeroling/oralexam/internal/domain"
)

// Operation names used as rate-limit buckets and in failures.
const (
	OpTranscribe = "transcribe"
	OpEvaluate   = "evaluate"
)

// DefaultLanguage is the declared language of every recording.
const DefaultLanguage = "en"

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, artifact *domain.RecordingArtifact) (domain.Transcript, error)
}

// Evaluator scores a transcribed answer.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (domain.AnswerEvaluation, error)
}

// Rubric holds the sub-score weights sent to the evaluator.
type Rubric struct {
	Fluency       float64 `json:"fluency"`
	Grammar       float64 `json:"grammar"`
	Vocabulary    float64 `json:"vocabulary"`
	Pronunciation float64 `json:"pronunciation"`
}

// DefaultRubric weights every dimension equally.
func DefaultRubric() Rubric {
	return Rubric{Fluency: 0.25, Grammar: 0.25, Vocabulary: 0.25, Pronunciation: 0.25}
}

// EvaluationRequest is the fixed-shape evaluation payload.
type EvaluationRequest struct {
	Question        string `json:"question"`
	Transcript      string `json:"transcript"`
	DurationSeconds int    `json:"durationSeconds"`
	Rubric          Rubric `json:"rubric"`
}

// NewEvaluationRequest builds a request with the default rubric.
func NewEvaluationRequest(question, transcript string, durationSeconds int) EvaluationRequest {
	return EvaluationRequest{
		Question:        question,
		Transcript:      transcript,
		DurationSeconds: durationSeconds,
		Rubric:          DefaultRubric(),
	}
}

func (r EvaluationRequest) asMap() map[string]any {
	return map[string]any{
		"question":        r.Question,
		"transcript":      r.Transcript,
		"durationSeconds": r.DurationSeconds,
		"rubric": map[string]any{
			"fluency":       r.Rubric.Fluency,
			"grammar":       r.Rubric.Grammar,
			"vocabulary":    r.Rubric.Vocabulary,
			"pronunciation": r.Rubric.Pronunciation,
		},
	}
}
