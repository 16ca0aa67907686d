package lesson

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

	_ "modernc.org/sqlite"

	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/conversation"
)

// ErrAttemptNotFound is returned when an attempt ID is unknown.
var ErrAttemptNotFound = errors.New("lesson attempt not found")

// Attempt is one completed or in-progress lesson run. Questions are fixed at
// start; answers grow to the same length; the assessment closes the attempt.
type Attempt struct {
	ID             string                           `json:"id"`
	SessionID      string                           `json:"session_id"`
	Owner          string                           `json:"owner"`
	Topic          string                           `json:"topic,omitempty"`
	Questions      []string                         `json:"questions"`
	Answers        []string                         `json:"answers"`
	Assessment     string                           `json:"assessment,omitempty"`
	Score          *float64                         `json:"score,omitempty"`
	Pronunciations []conversation.PronunciationNote `json:"pronunciations,omitempty"`
	StartedAt      time.Time                        `json:"started_at"`
	ClosedAt       *time.Time                       `json:"closed_at,omitempty"`
}

// Completed reports whether the attempt reached its terminal state.
func (a Attempt) Completed() bool {
	return a.ClosedAt != nil
}

// Store persists lesson attempts in SQLite. Unlike free conversations,
// attempts survive process restarts.
type Store struct {
	db    *sql.DB
	cfg   config.LessonConfig
	log   *slog.Logger
	clock func() time.Time
}

// OpenStore initializes the attempt store, creating the schema on first run.
func OpenStore(ctx context.Context, cfg config.LessonConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.StorePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.StorePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "lesson-store")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("lesson store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("lesson store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS lesson_attempts (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    owner TEXT,
    topic TEXT,
    questions TEXT NOT NULL,
    answers TEXT NOT NULL,
    assessment TEXT,
    score REAL,
    pronunciations TEXT,
    started_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_attempts_owner_started ON lesson_attempts(owner, started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts or replaces an attempt. Question and answer lists are stored
// as JSON arrays.
func (s *Store) Save(ctx context.Context, attempt Attempt) error {
	questions, err := json.Marshal(attempt.Questions)
	if err != nil {
		return err
	}
	answers, err := json.Marshal(attempt.Answers)
	if err != nil {
		return err
	}
	var pronunciations any
	if len(attempt.Pronunciations) > 0 {
		data, err := json.Marshal(attempt.Pronunciations)
		if err != nil {
			return err
		}
		pronunciations = string(data)
	}
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = s.clock().UTC()
	}
	var closedAt any
	if attempt.ClosedAt != nil {
		closedAt = attempt.ClosedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lesson_attempts(id, session_id, owner, topic, questions, answers, assessment, score, pronunciations, started_at, closed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   answers=excluded.answers,
		   assessment=excluded.assessment,
		   score=excluded.score,
		   pronunciations=excluded.pronunciations,
		   closed_at=excluded.closed_at`,
		attempt.ID, attempt.SessionID, attempt.Owner, attempt.Topic,
		string(questions), string(answers), attempt.Assessment, attempt.Score,
		pronunciations, attempt.StartedAt.UTC(), closedAt)
	return err
}

// Get fetches one attempt by ID.
func (s *Store) Get(ctx context.Context, id string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, owner, topic, questions, answers, assessment, score, pronunciations, started_at, closed_at
		 FROM lesson_attempts WHERE id = ?`, id)
	attempt, err := scanAttempt(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrAttemptNotFound
	}
	return attempt, err
}

// List returns the owner's attempts, most recent first.
func (s *Store) List(ctx context.Context, owner string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, owner, topic, questions, answers, assessment, score, pronunciations, started_at, closed_at
		 FROM lesson_attempts WHERE owner = ? ORDER BY started_at DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func scanAttempt(scan func(...any) error) (Attempt, error) {
	var (
		a              Attempt
		questions      string
		answers        string
		score          sql.NullFloat64
		pronunciations sql.NullString
		started        string
		closed         sql.NullString
	)
	if err := scan(&a.ID, &a.SessionID, &a.Owner, &a.Topic, &questions, &answers, &a.Assessment, &score, &pronunciations, &started, &closed); err != nil {
		return Attempt{}, err
	}
	if err := json.Unmarshal([]byte(questions), &a.Questions); err != nil {
		return Attempt{}, fmt.Errorf("decode questions: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &a.Answers); err != nil {
		return Attempt{}, fmt.Errorf("decode answers: %w", err)
	}
	if score.Valid {
		a.Score = &score.Float64
	}
	if pronunciations.Valid && pronunciations.String != "" {
		if err := json.Unmarshal([]byte(pronunciations.String), &a.Pronunciations); err != nil {
			return Attempt{}, fmt.Errorf("decode pronunciations: %w", err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		a.StartedAt = ts
	}
	if closed.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, closed.String); err == nil {
			a.ClosedAt = &ts
		}
	}
	return a, nil
}

// Prune applies the configured retention: attempts older than RetentionDays
// and any beyond the MaxAttempts most recent are dropped.
func (s *Store) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM lesson_attempts WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxAttempts > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM lesson_attempts WHERE id IN (
			SELECT id FROM lesson_attempts ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxAttempts)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
