package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"copydesk/internal/config"
	"copydesk/internal/models"
)

func TestFeedbackLifecycle(t *testing.T) {
	store := NewFeedbackStore(openTestDB(t))
	ctx := context.Background()

	fb := models.Feedback{
		ContentType:      models.ContentCarousel,
		Platform:         models.PlatformInstagram,
		UserMessage:      "5 slides on skincare",
		AssistantMessage: "Slide 1: ...",
		Rating:           models.RatingPositive,
		FeedbackNote:     "great hooks",
	}
	if err := store.Record(ctx, "fb-1", fb); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, err := store.Get(ctx, "fb-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.FeedbackQueued || rec.Attempts != 0 || rec.DeliveredAt != nil {
		t.Fatalf("unexpected fresh record: %+v", rec)
	}
	if rec.Feedback != fb {
		t.Fatalf("feedback mismatch: want %+v got %+v", fb, rec.Feedback)
	}

	if err := store.MarkFailed(ctx, "fb-1", errors.New("upstream 502")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	rec, _ = store.Get(ctx, "fb-1")
	if rec.Status != models.FeedbackFailed || rec.Attempts != 1 || rec.LastError != "upstream 502" {
		t.Fatalf("unexpected failed record: %+v", rec)
	}

	if err := store.MarkDelivered(ctx, "fb-1"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	rec, _ = store.Get(ctx, "fb-1")
	if rec.Status != models.FeedbackDelivered || rec.Attempts != 2 || rec.LastError != "" || rec.DeliveredAt == nil {
		t.Fatalf("unexpected delivered record: %+v", rec)
	}
}

func TestFeedbackMissingRow(t *testing.T) {
	store := NewFeedbackStore(openTestDB(t))
	ctx := context.Background()

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if err := store.MarkDelivered(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if err := store.Record(ctx, " ", models.Feedback{}); err == nil {
		t.Fatalf("expected error for blank id")
	}
}

func TestPruneDeliveredKeepsRecentAndUndelivered(t *testing.T) {
	db := openTestDB(t)
	store := NewFeedbackStore(db)
	ctx := context.Background()

	for _, id := range []string{"old", "recent", "failed"} {
		if err := store.Record(ctx, id, models.Feedback{Rating: models.RatingNegative}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	if _, err := db.Exec(`UPDATE feedback SET status = ?, delivered_at = ? WHERE id = ?`, models.FeedbackDelivered, old, "old"); err != nil {
		t.Fatalf("age row: %v", err)
	}
	if err := store.MarkDelivered(ctx, "recent"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkFailed(ctx, "failed", errors.New("x")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	n, err := store.PruneDelivered(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("old row should be gone, got %v", err)
	}
	for _, id := range []string{"recent", "failed"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Fatalf("%s row should survive: %v", id, err)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(config.DatabaseConfig{Driver: "postgres"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(config.DatabaseConfig{Driver: "sqlite3"}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
	if err := Migrate(nil, "oracle"); err == nil {
		t.Fatalf("expected unsupported migration driver error")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "feedback.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
