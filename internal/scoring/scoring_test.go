package scoring

import (
	"testing"

	"github.com/aeroling/oralexam/internal/domain"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		eval domain.AnswerEvaluation
		want int
	}{
		{"all hundred", domain.AnswerEvaluation{Fluency: 100, Grammar: 100, Vocabulary: 100, Pronunciation: 100}, 100},
		{"all zero", domain.AnswerEvaluation{}, 0},
		{"mixed", domain.AnswerEvaluation{Fluency: 80, Grammar: 70, Vocabulary: 60, Pronunciation: 90}, 75},
		{"half rounds up", domain.AnswerEvaluation{Fluency: 1, Grammar: 1, Vocabulary: 0, Pronunciation: 0}, 1},
		{"quarter rounds down", domain.AnswerEvaluation{Fluency: 1, Grammar: 0, Vocabulary: 0, Pronunciation: 0}, 0},
		{"three quarters rounds up", domain.AnswerEvaluation{Fluency: 71, Grammar: 70, Vocabulary: 70, Pronunciation: 72}, 71},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Aggregate(tt.eval); got != tt.want {
				t.Fatalf("Aggregate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSessionScoreCountsSkipsAsZero(t *testing.T) {
	answers := []*domain.Answer{
		{QuestionIndex: 0, Status: domain.AnswerStatusEvaluated, Overall: 80},
		{QuestionIndex: 1, Status: domain.AnswerStatusEvaluated, Overall: 90},
		{QuestionIndex: 2, Status: domain.AnswerStatusSkipped, Overall: 55},
		{QuestionIndex: 3, Status: domain.AnswerStatusEvaluated, Overall: 70},
		{QuestionIndex: 4, Status: domain.AnswerStatusEvaluated, Overall: 63},
	}
	if got := SessionScore(AnswerScores(answers)); got != 61 {
		t.Fatalf("SessionScore() = %d, want 61", got)
	}
}

func TestSessionScoreEmpty(t *testing.T) {
	if got := SessionScore(nil); got != 0 {
		t.Fatalf("SessionScore(nil) = %d, want 0", got)
	}
}
