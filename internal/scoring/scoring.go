// Package scoring derives overall and session scores from AI evaluations.
package scoring

import (
	"math"

	"github.com/aeroling/oralexam/internal/domain"
)

// subScoreWeight is the equal weight of each rubric dimension.
const subScoreWeight = 0.25

// Aggregate returns the overall score of one answer: the equally weighted mean of
// the four sub-scores, rounded half away from zero.
func Aggregate(eval domain.AnswerEvaluation) int {
	sum := float64(eval.Fluency + eval.Grammar + eval.Vocabulary + eval.Pronunciation)
	return int(math.Round(subScoreWeight * sum))
}

// SessionScore returns the rounded mean of the question overall scores.
// Skipped questions must be passed as 0. An empty slice scores 0.
func SessionScore(overalls []int) int {
	if len(overalls) == 0 {
		return 0
	}
	total := 0
	for _, s := range overalls {
		total += s
	}
	return int(math.Round(float64(total) / float64(len(overalls))))
}

// AnswerScores extracts per-question overall scores from recorded answers,
// counting skips as zero.
func AnswerScores(answers []*domain.Answer) []int {
	out := make([]int, 0, len(answers))
	for _, a := range answers {
		if a.Status == domain.AnswerStatusSkipped {
			out = append(out, 0)
			continue
		}
		out = append(out, a.Overall)
	}
	return out
}
