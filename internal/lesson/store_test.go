package lesson

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.LessonConfig) *Store {
	t.Helper()
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(t.TempDir(), "lessons.db")
	}
	store, err := OpenStore(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open lesson store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndGetAttempt(t *testing.T) {
	store := openTestStore(t, config.LessonConfig{})

	now := time.Now().UTC()
	score := 87.5
	attempt := Attempt{
		ID:         "attempt-1",
		SessionID:  "session-1",
		Owner:      "learner-1",
		Topic:      "ordering food",
		Questions:  []string{"q1", "q2", "q3"},
		Answers:    []string{"a1", "a2", "a3"},
		Assessment: "solid vocabulary, watch verb endings",
		Score:      &score,
		StartedAt:  now,
		ClosedAt:   &now,
	}
	if err := store.Save(context.Background(), attempt); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(context.Background(), "attempt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Questions) != 3 || len(got.Answers) != 3 {
		t.Fatalf("questions/answers not round-tripped: %+v", got)
	}
	if got.Assessment != attempt.Assessment {
		t.Fatalf("assessment mismatch: %q", got.Assessment)
	}
	if got.Score == nil || *got.Score != score {
		t.Fatalf("score mismatch: %v", got.Score)
	}
	if !got.Completed() {
		t.Fatal("closed attempt should report completed")
	}
}

func TestGetUnknownAttempt(t *testing.T) {
	store := openTestStore(t, config.LessonConfig{})
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	store := openTestStore(t, config.LessonConfig{})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		attempt := Attempt{
			ID:        id,
			SessionID: "session-1",
			Owner:     "learner-1",
			Questions: []string{"q"},
			Answers:   []string{"a"},
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.Save(context.Background(), attempt); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	attempts, err := store.List(context.Background(), "learner-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if attempts[0].ID != "third" || attempts[2].ID != "first" {
		t.Fatalf("wrong order: %s, %s, %s", attempts[0].ID, attempts[1].ID, attempts[2].ID)
	}

	other, err := store.List(context.Background(), "someone-else", 10)
	if err != nil {
		t.Fatalf("list other owner: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("owner filter leaked attempts: %v", other)
	}
}

func TestPruneByAgeAndCount(t *testing.T) {
	store := openTestStore(t, config.LessonConfig{RetentionDays: 1, MaxAttempts: 1})

	store.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	old := Attempt{ID: "old", SessionID: "s", Owner: "learner-1", Questions: []string{"q"}, Answers: []string{"a"}, StartedAt: store.clock()}
	if err := store.Save(context.Background(), old); err != nil {
		t.Fatalf("save old: %v", err)
	}

	store.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	recent := Attempt{ID: "recent", SessionID: "s", Owner: "learner-1", Questions: []string{"q"}, Answers: []string{"a"}, StartedAt: store.clock()}
	if err := store.Save(context.Background(), recent); err != nil {
		t.Fatalf("save recent: %v", err)
	}

	if err := store.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := store.Get(context.Background(), "old"); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("old attempt should be pruned, got %v", err)
	}
	if _, err := store.Get(context.Background(), "recent"); err != nil {
		t.Fatalf("recent attempt should survive: %v", err)
	}
}
