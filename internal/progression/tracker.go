// Package progression decides which exam sessions a user may take.
package progression

import (
	"errors"
	"fmt"

	"github.com/aeroling/oralexam/internal/domain"
)

// ErrSessionLocked is returned when starting a category whose predecessor
// has not been passed.
var ErrSessionLocked = errors.New("session is locked")

// CategoryStatus is one row of a user's overview.
type CategoryStatus struct {
	Category          domain.SessionCategory `json:"category"`
	SessionNumber     int                    `json:"session_number"`
	QuestionCount     int                    `json:"question_count"`
	UnlockThreshold   int                    `json:"unlock_threshold"`
	State             domain.SessionState    `json:"state"`
	BestScore         *int                   `json:"best_score,omitempty"`
	RequiredPrevScore *int                   `json:"required_previous_score,omitempty"`
}

// Tracker applies the unlock rules of a session table.
type Tracker struct {
	table *domain.SessionTable
}

// NewTracker creates a tracker over table.
func NewTracker(table *domain.SessionTable) *Tracker {
	return &Tracker{table: table}
}

// Table returns the session table.
func (t *Tracker) Table() *domain.SessionTable {
	return t.table
}

// Unlocked reports whether c may be started: the first category always, any
// other once its predecessor is completed with a best score at or above c's
// threshold. A later lower score never re-locks, since only the best counts.
func (t *Tracker) Unlocked(progress *domain.SessionProgress, c domain.SessionCategory) (bool, error) {
	def, err := t.table.Lookup(c)
	if err != nil {
		return false, err
	}
	prev, ok := t.table.Predecessor(c)
	if !ok {
		return true, nil
	}
	best, done := progress.BestScore(prev.Category)
	return done && best >= def.UnlockThreshold, nil
}

// State returns the state of c. open says whether the user has an attempt
// in progress for c.
func (t *Tracker) State(progress *domain.SessionProgress, c domain.SessionCategory, open bool) (domain.SessionState, error) {
	unlocked, err := t.Unlocked(progress, c)
	if err != nil {
		return "", err
	}
	switch {
	case !unlocked && !progress.IsCompleted(c):
		return domain.SessionStateLocked, nil
	case open:
		return domain.SessionStateInProgress, nil
	case progress.IsCompleted(c):
		return domain.SessionStateCompleted, nil
	default:
		return domain.SessionStateAvailable, nil
	}
}

// Overview reports every category in session order.
func (t *Tracker) Overview(progress *domain.SessionProgress, open map[domain.SessionCategory]bool) ([]CategoryStatus, error) {
	defs := t.table.Ordered()
	out := make([]CategoryStatus, 0, len(defs))
	for i, def := range defs {
		state, err := t.State(progress, def.Category, open[def.Category])
		if err != nil {
			return nil, err
		}
		st := CategoryStatus{
			Category:        def.Category,
			SessionNumber:   def.SessionNumber,
			QuestionCount:   def.QuestionCount,
			UnlockThreshold: def.UnlockThreshold,
			State:           state,
		}
		if best, ok := progress.BestScore(def.Category); ok {
			st.BestScore = &best
		}
		if i > 0 {
			threshold := def.UnlockThreshold
			st.RequiredPrevScore = &threshold
		}
		out = append(out, st)
	}
	return out, nil
}

// CanStart returns ErrSessionLocked unless c is unlocked.
func (t *Tracker) CanStart(progress *domain.SessionProgress, c domain.SessionCategory) error {
	unlocked, err := t.Unlocked(progress, c)
	if err != nil {
		return err
	}
	if !unlocked {
		prev, _ := t.table.Predecessor(c)
		def, _ := t.table.Lookup(c)
		return fmt.Errorf("%w: %s requires %s with a best score of at least %d", ErrSessionLocked, c, prev.Category, def.UnlockThreshold)
	}
	return nil
}

// IsComplete reports whether every question of def has an evaluation or an
// explicit skip among answers.
func (t *Tracker) IsComplete(def domain.SessionDefinition, answers []*domain.Answer) bool {
	closed := make(map[int]bool, len(answers))
	for _, a := range answers {
		if a.Status == domain.AnswerStatusSkipped || (a.Status == domain.AnswerStatusEvaluated && a.Evaluation != nil) {
			closed[a.QuestionIndex] = true
		}
	}
	for i := 0; i < def.QuestionCount; i++ {
		if !closed[i] {
			return false
		}
	}
	return true
}

// Complete records a finished session and returns the categories that became
// unlocked because of it.
func (t *Tracker) Complete(progress *domain.SessionProgress, c domain.SessionCategory, score int) ([]domain.SessionCategory, error) {
	if _, err := t.table.Lookup(c); err != nil {
		return nil, err
	}
	before := make(map[domain.SessionCategory]bool, len(domain.Categories))
	for _, def := range t.table.Ordered() {
		ok, _ := t.Unlocked(progress, def.Category)
		before[def.Category] = ok
	}

	progress.RecordCompletion(c, score)

	var unlocked []domain.SessionCategory
	for _, def := range t.table.Ordered() {
		if ok, _ := t.Unlocked(progress, def.Category); ok && !before[def.Category] {
			unlocked = append(unlocked, def.Category)
		}
	}
	return unlocked, nil
}
