// Package domain contains core domain types for the oral exam service.
package domain

import (
	"errors"
	"fmt"
	"sort"
)

// SessionCategory identifies one of the five fixed question sessions.
type SessionCategory string

const (
	CategoryIntroduction SessionCategory = "introduction"
	CategoryAviation     SessionCategory = "aviation"
	CategorySituational  SessionCategory = "situational"
	CategoryCultural     SessionCategory = "cultural"
	CategoryProfessional SessionCategory = "professional"
)

// Categories lists every category in exam order.
var Categories = []SessionCategory{
	CategoryIntroduction,
	CategoryAviation,
	CategorySituational,
	CategoryCultural,
	CategoryProfessional,
}

// Valid reports whether c is one of the known categories.
func (c SessionCategory) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// SessionState is the unlock/progress state of a category for one user.
type SessionState string

const (
	SessionStateLocked     SessionState = "locked"
	SessionStateAvailable  SessionState = "available"
	SessionStateInProgress SessionState = "in_progress"
	SessionStateCompleted  SessionState = "completed"
)

// QuestionsPerSession is the fixed number of questions in every session.
const QuestionsPerSession = 5

// SessionDefinition is one row of the static session table.
type SessionDefinition struct {
	Category        SessionCategory `yaml:"category" json:"category"`
	SessionNumber   int             `yaml:"sessionNumber" json:"session_number"`
	QuestionCount   int             `yaml:"questionCount" json:"question_count"`
	UnlockThreshold int             `yaml:"unlockThreshold" json:"unlock_threshold"`
	Questions       []string        `yaml:"questions" json:"questions"`
}

// Question returns the prompt for a zero-based question index.
func (d SessionDefinition) Question(index int) (string, error) {
	if index < 0 || index >= d.QuestionCount || index >= len(d.Questions) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrQuestionOutOfRange, index, d.QuestionCount)
	}
	return d.Questions[index], nil
}

var (
	// ErrUnknownCategory is returned for a category that is not in the table.
	ErrUnknownCategory = errors.New("unknown session category")
	// ErrQuestionOutOfRange is returned for a question index outside the session.
	ErrQuestionOutOfRange = errors.New("question index out of range")
)

// SessionTable is the read-only, ordered session configuration.
type SessionTable struct {
	defs []SessionDefinition
}

// NewSessionTable validates defs and returns them ordered by session number.
func NewSessionTable(defs []SessionDefinition) (*SessionTable, error) {
	if len(defs) != len(Categories) {
		return nil, fmt.Errorf("session table must have %d entries, got %d", len(Categories), len(defs))
	}

	sorted := make([]SessionDefinition, len(defs))
	for i, d := range defs {
		qs := make([]string, len(d.Questions))
		copy(qs, d.Questions)
		d.Questions = qs
		sorted[i] = d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SessionNumber < sorted[j].SessionNumber })

	seen := make(map[SessionCategory]bool, len(sorted))
	for i, d := range sorted {
		if !d.Category.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, d.Category)
		}
		if seen[d.Category] {
			return nil, fmt.Errorf("duplicate session category %q", d.Category)
		}
		seen[d.Category] = true
		if d.SessionNumber != i+1 {
			return nil, fmt.Errorf("session numbers must be 1..%d without gaps, got %d for %q", len(sorted), d.SessionNumber, d.Category)
		}
		if d.QuestionCount != QuestionsPerSession {
			return nil, fmt.Errorf("session %q must have %d questions, got %d", d.Category, QuestionsPerSession, d.QuestionCount)
		}
		if len(d.Questions) != d.QuestionCount {
			return nil, fmt.Errorf("session %q lists %d question prompts, want %d", d.Category, len(d.Questions), d.QuestionCount)
		}
		if d.UnlockThreshold < 0 || d.UnlockThreshold > 100 {
			return nil, fmt.Errorf("session %q unlock threshold %d not in [0,100]", d.Category, d.UnlockThreshold)
		}
	}
	return &SessionTable{defs: sorted}, nil
}

// Ordered returns a copy of the definitions in session order.
func (t *SessionTable) Ordered() []SessionDefinition {
	out := make([]SessionDefinition, len(t.defs))
	copy(out, t.defs)
	return out
}

// Lookup returns the definition for a category.
func (t *SessionTable) Lookup(c SessionCategory) (SessionDefinition, error) {
	for _, d := range t.defs {
		if d.Category == c {
			return d, nil
		}
	}
	return SessionDefinition{}, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
}

// Predecessor returns the category immediately before c.
// ok is false for the first category.
func (t *SessionTable) Predecessor(c SessionCategory) (prev SessionDefinition, ok bool) {
	for i, d := range t.defs {
		if d.Category == c {
			if i == 0 {
				return SessionDefinition{}, false
			}
			return t.defs[i-1], true
		}
	}
	return SessionDefinition{}, false
}

// SessionProgress is the per-user record of completed sessions and best scores.
type SessionProgress struct {
	UserID     string                  `json:"user_id"`
	Completed  map[SessionCategory]bool `json:"completed"`
	BestScores map[SessionCategory]int  `json:"best_scores"`
}

// NewSessionProgress returns empty progress for a user.
func NewSessionProgress(userID string) *SessionProgress {
	return &SessionProgress{
		UserID:     userID,
		Completed:  make(map[SessionCategory]bool),
		BestScores: make(map[SessionCategory]int),
	}
}

// IsCompleted reports whether the category has ever been completed.
func (p *SessionProgress) IsCompleted(c SessionCategory) bool {
	return p.Completed[c]
}

// BestScore returns the best recorded session score and whether one exists.
func (p *SessionProgress) BestScore(c SessionCategory) (int, bool) {
	if !p.Completed[c] {
		return 0, false
	}
	s, ok := p.BestScores[c]
	return s, ok
}

// RecordCompletion marks c completed and keeps the higher of the old and new score.
func (p *SessionProgress) RecordCompletion(c SessionCategory, score int) {
	if p.Completed == nil {
		p.Completed = make(map[SessionCategory]bool)
	}
	if p.BestScores == nil {
		p.BestScores = make(map[SessionCategory]int)
	}
	if prev, ok := p.BestScores[c]; !ok || score > prev {
		p.BestScores[c] = score
	}
	p.Completed[c] = true
}
