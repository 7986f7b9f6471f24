package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/shared"
	"github.com/aeroling/oralexam/internal/transcript"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions take the write lock up front.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_progress (
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		best_score INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, category)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		score INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_open ON attempts(user_id, category) WHERE completed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_attempts_user ON attempts(user_id, category, started_at);

	CREATE TABLE IF NOT EXISTS answers (
		attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
		question_index INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		evaluation_json TEXT,
		overall INTEGER NOT NULL,
		transcript TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (attempt_id, question_index)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		question_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_attempt ON chat_messages(attempt_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetProgress returns the user's completed sessions and best scores.
func (s *SQLiteStore) GetProgress(ctx context.Context, userID string) (*domain.SessionProgress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, best_score FROM session_progress WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer closeRows(rows, "progress")

	progress := domain.NewSessionProgress(userID)
	for rows.Next() {
		var category string
		var best int
		if err := rows.Scan(&category, &best); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		progress.RecordCompletion(domain.SessionCategory(category), best)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return progress, nil
}

const attemptColumns = `id, user_id, category, started_at, completed_at, score`

func scanAttempt(row interface{ Scan(...any) error }) (*domain.Attempt, error) {
	var a domain.Attempt
	var category string
	var startedAt int64
	var completedAt, score sql.NullInt64
	if err := row.Scan(&a.ID, &a.UserID, &category, &startedAt, &completedAt, &score); err != nil {
		return nil, err
	}
	a.Category = domain.SessionCategory(category)
	a.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		a.CompletedAt = &t
	}
	if score.Valid {
		v := int(score.Int64)
		a.Score = &v
	}
	return &a, nil
}

// OpenAttempts returns the user's open attempts keyed by category.
func (s *SQLiteStore) OpenAttempts(ctx context.Context, userID string) (map[domain.SessionCategory]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE user_id = ? AND completed_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open attempts: %w", err)
	}
	defer closeRows(rows, "open attempts")

	out := make(map[domain.SessionCategory]*domain.Attempt)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		out[a.Category] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open attempts: %w", err)
	}
	return out, nil
}

// GetOpenAttempt returns the open attempt for a category, or nil.
func (s *SQLiteStore) GetOpenAttempt(ctx context.Context, userID string, category domain.SessionCategory) (*domain.Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE user_id = ? AND category = ? AND completed_at IS NULL`,
		userID, string(category))
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan open attempt: %w", err)
	}
	return a, nil
}

// LatestAttempt returns the most recently started attempt for a category, or nil.
func (s *SQLiteStore) LatestAttempt(ctx context.Context, userID string, category domain.SessionCategory) (*domain.Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE user_id = ? AND category = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		userID, string(category))
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest attempt: %w", err)
	}
	return a, nil
}

// CreateAttempt opens an attempt and stores its first messages.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, attempt *domain.Attempt, msgs []*transcript.Message) error {
	return s.withTx(ctx, "create attempt", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (id, user_id, category, started_at) VALUES (?, ?, ?, ?)`,
			attempt.ID, attempt.UserID, string(attempt.Category), attempt.StartedAt.UnixMilli())
		if err != nil {
			if shared.IsSQLiteConstraintError(err) {
				return fmt.Errorf("%w: %s", ErrAttemptOpen, attempt.Category)
			}
			return fmt.Errorf("insert attempt: %w", err)
		}
		return insertMessages(ctx, tx, msgs)
	})
}

// RecordAnswer stores an answer with its transcript messages, and closes the
// attempt when done is set.
func (s *SQLiteStore) RecordAnswer(ctx context.Context, answer *domain.Answer, msgs []*transcript.Message, done *Completion) error {
	var evalJSON any
	if answer.Evaluation != nil {
		b, err := json.Marshal(answer.Evaluation)
		if err != nil {
			return fmt.Errorf("marshal evaluation: %w", err)
		}
		evalJSON = string(b)
	}

	return s.withTx(ctx, "record answer", func(tx *sql.Tx) error {
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM attempts WHERE id = ? AND user_id = ? AND completed_at IS NULL`,
			answer.AttemptID, answer.UserID).Scan(&open)
		if err != nil {
			return fmt.Errorf("check attempt: %w", err)
		}
		if open == 0 {
			return ErrAttemptNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO answers (
				attempt_id, question_index, user_id, category, status, evaluation_json,
				overall, transcript, duration_seconds, attempts, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			answer.AttemptID, answer.QuestionIndex, answer.UserID, string(answer.Category),
			string(answer.Status), evalJSON, answer.Overall, answer.Transcript,
			answer.DurationSeconds, answer.Attempts, answer.CreatedAt.UnixMilli(),
		)
		if err != nil {
			if shared.IsSQLiteConstraintError(err) {
				return fmt.Errorf("%w: question %d", ErrAnswerExists, answer.QuestionIndex)
			}
			return fmt.Errorf("insert answer: %w", err)
		}
		if err := insertMessages(ctx, tx, msgs); err != nil {
			return err
		}
		if done == nil {
			return nil
		}
		return finishTx(ctx, tx, answer.AttemptID, answer.UserID, answer.Category, done.Score, done.CompletedAt)
	})
}

// ListAnswers returns the answers of an attempt ordered by question index.
func (s *SQLiteStore) ListAnswers(ctx context.Context, attemptID string) ([]*domain.Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, question_index, user_id, category, status, evaluation_json,
		       overall, transcript, duration_seconds, attempts, created_at
		FROM answers WHERE attempt_id = ? ORDER BY question_index`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer closeRows(rows, "answers")

	var answers []*domain.Answer
	for rows.Next() {
		var a domain.Answer
		var category, status string
		var evalJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&a.AttemptID, &a.QuestionIndex, &a.UserID, &category, &status, &evalJSON,
			&a.Overall, &a.Transcript, &a.DurationSeconds, &a.Attempts, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan answer row: %w", err)
		}
		a.Category = domain.SessionCategory(category)
		a.Status = domain.AnswerStatus(status)
		a.CreatedAt = time.UnixMilli(createdAt)
		if evalJSON.Valid {
			var eval domain.AnswerEvaluation
			if err := json.Unmarshal([]byte(evalJSON.String), &eval); err != nil {
				return nil, fmt.Errorf("decode evaluation of question %d: %w", a.QuestionIndex, err)
			}
			a.Evaluation = &eval
		}
		answers = append(answers, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return answers, nil
}

// FinishAttempt closes the attempt and updates progress with the best score.
func (s *SQLiteStore) FinishAttempt(ctx context.Context, attempt *domain.Attempt, score int) error {
	completedAt := time.Now()
	if attempt.CompletedAt != nil {
		completedAt = *attempt.CompletedAt
	}

	err := s.withTx(ctx, "finish attempt", func(tx *sql.Tx) error {
		return finishTx(ctx, tx, attempt.ID, attempt.UserID, attempt.Category, score, completedAt)
	})
	if err != nil {
		return err
	}

	attempt.CompletedAt = &completedAt
	attempt.Score = &score
	return nil
}

// ListMessages returns the transcript of an attempt in display order.
func (s *SQLiteStore) ListMessages(ctx context.Context, attemptID string) ([]*transcript.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, category, question_index, kind, payload_json, created_at
		FROM chat_messages WHERE attempt_id = ?`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var msgs []*transcript.Message
	for rows.Next() {
		var m transcript.Message
		var category, kind, payload string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.AttemptID, &category, &m.QuestionIndex, &kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		p, err := transcript.DecodePayload(transcript.Kind(kind), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Category = domain.SessionCategory(category)
		m.CreatedAt = time.UnixMilli(createdAt)
		m.Payload = p
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	transcript.Sort(msgs)
	return msgs, nil
}

func finishTx(ctx context.Context, tx *sql.Tx, attemptID, userID string, category domain.SessionCategory, score int, completedAt time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE attempts SET completed_at = ?, score = ? WHERE id = ? AND completed_at IS NULL`,
		completedAt.UnixMilli(), score, attemptID)
	if err != nil {
		return fmt.Errorf("close attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrAttemptNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_progress (user_id, category, best_score, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, category) DO UPDATE SET
			best_score = MAX(session_progress.best_score, excluded.best_score),
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		userID, string(category), score, completedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, msgs []*transcript.Message) error {
	for _, m := range msgs {
		payload, err := transcript.EncodePayload(m.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, attempt_id, category, question_index, kind, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.AttemptID, string(m.Category), m.QuestionIndex, string(m.Kind()), string(payload), m.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert %s message: %w", m.Kind(), err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, retrying the whole transaction with
// exponential backoff when SQLite reports a lock conflict.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return shared.RetryOnConflict(ctx, op, writeRetries, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%s: begin: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("transaction rollback failed", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: commit: %w", op, err)
		}
		return nil
	})
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
