// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/transcript"
	"github.com/containerd/errdefs"
)

var (
	// ErrAttemptOpen is returned when a user already has an open attempt for a category.
	ErrAttemptOpen = fmt.Errorf("attempt already open: %w", errdefs.ErrAlreadyExists)
	// ErrAnswerExists is returned when a question of an attempt was already answered.
	ErrAnswerExists = fmt.Errorf("answer already recorded: %w", errdefs.ErrAlreadyExists)
	// ErrAttemptNotFound is returned for an unknown or closed attempt.
	ErrAttemptNotFound = fmt.Errorf("attempt not found: %w", errdefs.ErrNotFound)
)

// Completion closes an attempt with its session score.
type Completion struct {
	Score       int
	CompletedAt time.Time
}

// Repository defines the interface for persisting exam progress.
type Repository interface {
	// GetProgress returns the user's completed sessions and best scores.
	// A user without history gets empty progress, not an error.
	GetProgress(ctx context.Context, userID string) (*domain.SessionProgress, error)

	// OpenAttempts returns the user's open attempts keyed by category.
	OpenAttempts(ctx context.Context, userID string) (map[domain.SessionCategory]*domain.Attempt, error)

	// GetOpenAttempt returns the open attempt for a category, or nil.
	GetOpenAttempt(ctx context.Context, userID string, category domain.SessionCategory) (*domain.Attempt, error)

	// LatestAttempt returns the most recently started attempt for a category, or nil.
	LatestAttempt(ctx context.Context, userID string, category domain.SessionCategory) (*domain.Attempt, error)

	// CreateAttempt opens an attempt and stores its first transcript messages
	// in one transaction.
	CreateAttempt(ctx context.Context, attempt *domain.Attempt, msgs []*transcript.Message) error

	// RecordAnswer stores an answer with its transcript messages in one
	// transaction. A non-nil done closes the attempt and records the
	// completion in that same transaction.
	RecordAnswer(ctx context.Context, answer *domain.Answer, msgs []*transcript.Message, done *Completion) error

	// ListAnswers returns the answers of an attempt ordered by question index.
	ListAnswers(ctx context.Context, attemptID string) ([]*domain.Answer, error)

	// FinishAttempt closes the attempt with its session score and records the
	// completion in the user's progress, keeping the best score, in one transaction.
	FinishAttempt(ctx context.Context, attempt *domain.Attempt, score int) error

	// ListMessages returns the transcript of an attempt in display order.
	ListMessages(ctx context.Context, attemptID string) ([]*transcript.Message, error)

	// DB exposes the underlying handle for components sharing the database file.
	DB() *sql.DB

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
