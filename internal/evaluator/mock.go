package evaluator

import (
	"context"
	"fmt"
	"strings"

	"github.com/aeroling/oralexam/internal/domain"
)

// MockEngine is a deterministic stand-in for both engines, used when the
// service runs with AI_MODE=MOCK and in tests.
type MockEngine struct{}

// NewMockEngine creates a mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// Transcribe returns a canned transcript derived from the artifact.
func (m *MockEngine) Transcribe(ctx context.Context, artifact *domain.RecordingArtifact) (domain.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transcript{}, err
	}
	if artifact.Size() == 0 {
		return domain.Transcript{}, domain.NewFailure(domain.FailureUploadRejected, OpTranscribe, fmt.Errorf("empty audio"))
	}
	text := fmt.Sprintf("mock answer of %d seconds recorded as %s", artifact.DurationSeconds(), artifact.MimeType)
	return domain.Transcript{Text: text, Language: DefaultLanguage}, nil
}

// Evaluate scores by transcript length so repeated runs are stable.
func (m *MockEngine) Evaluate(ctx context.Context, req EvaluationRequest) (domain.AnswerEvaluation, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnswerEvaluation{}, err
	}
	words := len(strings.Fields(req.Transcript))
	base := 55 + (words*7)%35
	return domain.AnswerEvaluation{
		Fluency:       clampScore(base + req.DurationSeconds%10),
		Grammar:       clampScore(base + 5),
		Vocabulary:    clampScore(base + words%10),
		Pronunciation: clampScore(base),
		Feedback:      fmt.Sprintf("Mock evaluation of %d words.", words),
	}, nil
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
