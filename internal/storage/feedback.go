package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"copydesk/internal/models"
)

// FeedbackStore journals ratings so a delivery that never reaches the
// backend is still on record.
type FeedbackStore struct {
	db *sql.DB
}

func NewFeedbackStore(db *sql.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

// Record inserts a queued row for fb under id.
func (s *FeedbackStore) Record(ctx context.Context, id string, fb models.Feedback) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("feedback id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, content_type, platform, user_message, assistant_message, rating, feedback_note, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		id, fb.ContentType, fb.Platform, fb.UserMessage, fb.AssistantMessage, fb.Rating, fb.FeedbackNote,
		models.FeedbackQueued, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// MarkDelivered records a successful delivery attempt.
func (s *FeedbackStore) MarkDelivered(ctx context.Context, id string) error {
	return s.mark(ctx,
		`UPDATE feedback SET status = ?, attempts = attempts + 1, last_error = '', delivered_at = ? WHERE id = ?`,
		models.FeedbackDelivered, time.Now().UTC(), id)
}

// MarkFailed records a failed delivery attempt and its error.
func (s *FeedbackStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.mark(ctx,
		`UPDATE feedback SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`,
		models.FeedbackFailed, msg, id)
}

func (s *FeedbackStore) mark(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update feedback rows: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get loads one journal row; sql.ErrNoRows when absent.
func (s *FeedbackStore) Get(ctx context.Context, id string) (*models.FeedbackRecord, error) {
	var (
		rec         models.FeedbackRecord
		deliveredAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_type, platform, user_message, assistant_message, rating, feedback_note, status, attempts, last_error, created_at, delivered_at
		FROM feedback WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Feedback.ContentType, &rec.Feedback.Platform, &rec.Feedback.UserMessage,
		&rec.Feedback.AssistantMessage, &rec.Feedback.Rating, &rec.Feedback.FeedbackNote, &rec.Status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		rec.DeliveredAt = &t
	}
	return &rec, nil
}

// PruneDelivered deletes delivered rows older than before.
func (s *FeedbackStore) PruneDelivered(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feedback WHERE status = ? AND delivered_at <= ?`,
		models.FeedbackDelivered, before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune feedback: %w", err)
	}
	return res.RowsAffected()
}
