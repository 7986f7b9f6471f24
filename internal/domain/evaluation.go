package domain

import "fmt"

// AnswerEvaluation holds the four AI sub-scores and feedback for one answer.
// The overall score is not stored here; scoring.Aggregate derives it.
type AnswerEvaluation struct {
	Fluency       int    `json:"fluencyScore"`
	Grammar       int    `json:"grammarScore"`
	Vocabulary    int    `json:"vocabularyScore"`
	Pronunciation int    `json:"pronunciationScore"`
	Feedback      string `json:"feedback"`
}

// Validate checks that every sub-score lies in [0,100].
func (e AnswerEvaluation) Validate() error {
	for name, v := range map[string]int{
		"fluency":       e.Fluency,
		"grammar":       e.Grammar,
		"vocabulary":    e.Vocabulary,
		"pronunciation": e.Pronunciation,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s score %d not in [0,100]", name, v)
		}
	}
	return nil
}

// Transcript is the text produced by the transcription engine.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// SubmissionResult is what one successful upload cycle yields.
type SubmissionResult struct {
	Transcript Transcript
	Evaluation AnswerEvaluation
}
