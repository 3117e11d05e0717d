package feedback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"copydesk/internal/config"
	"copydesk/internal/models"
	"copydesk/internal/worker"
)

// Deliverer sends a rating to wherever feedback is collected.
type Deliverer interface {
	SendFeedback(ctx context.Context, fb *models.Feedback) error
}

// Journal records feedback and its delivery outcome.
type Journal interface {
	Record(ctx context.Context, id string, fb models.Feedback) error
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	PruneDelivered(ctx context.Context, before time.Time) (int64, error)
}

type clientKey struct{}

// WithClientKey tags ctx with the submitter's identity. Deliveries from
// different clients are interleaved fairly.
func WithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKey{}, key)
}

func clientKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(clientKey{}).(string)
	return key
}

// Service accepts feedback and delivers it in the background.
type Service struct {
	deliverer  Deliverer
	journal    Journal
	dispatcher *worker.Dispatcher
	retention  time.Duration
	logger     *zap.Logger
}

// NewService starts the delivery workers. journal may be nil.
func NewService(deliverer Deliverer, journal Journal, cfg config.FeedbackConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		deliverer: deliverer,
		journal:   journal,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		logger:    logger,
	}
	s.dispatcher = worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.MinWorkers,
		MaxWorkers:  cfg.MaxWorkers,
		QueueSize:   cfg.QueueSize,
		IdleTimeout: time.Duration(cfg.WorkerIdleTimeout) * time.Minute,
	}, s.deliver, logger)
	return s
}

// Validate normalizes fb in place: blank selection fields take their
// defaults, unknown values and ratings are rejected.
func Validate(fb *models.Feedback) error {
	if fb == nil {
		return fmt.Errorf("feedback required")
	}
	rating, err := models.ParseRating(strings.ToLower(strings.TrimSpace(string(fb.Rating))))
	if err != nil {
		return err
	}
	ct, err := models.ParseContentType(string(fb.ContentType))
	if err != nil {
		return err
	}
	platform, err := models.ParsePlatform(string(fb.Platform))
	if err != nil {
		return err
	}
	fb.Rating, fb.ContentType, fb.Platform = rating, ct, platform
	fb.FeedbackNote = strings.TrimSpace(fb.FeedbackNote)
	return nil
}

// Submit validates fb, journals it and queues it for delivery. It returns
// the feedback id; worker.ErrDispatcherBusy when the queue is full.
func (s *Service) Submit(ctx context.Context, fb *models.Feedback) (string, error) {
	if err := Validate(fb); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if s.journal != nil {
		if err := s.journal.Record(ctx, id, *fb); err != nil {
			return "", err
		}
	}
	err := s.dispatcher.Submit(worker.Job{ID: id, Key: clientKeyFrom(ctx), Feedback: *fb})
	if err != nil {
		if s.journal != nil {
			if markErr := s.journal.MarkFailed(ctx, id, err); markErr != nil {
				s.logger.Warn("journal feedback failure", zap.String("feedback_id", id), zap.Error(markErr))
			}
		}
		return "", err
	}
	return id, nil
}

func (s *Service) deliver(ctx context.Context, job worker.Job) {
	err := s.deliverer.SendFeedback(ctx, &job.Feedback)
	if err != nil {
		s.logger.Warn("feedback delivery failed",
			zap.String("feedback_id", job.ID),
			zap.String("rating", string(job.Feedback.Rating)),
			zap.Error(err))
	} else {
		s.logger.Info("feedback delivered",
			zap.String("feedback_id", job.ID),
			zap.String("rating", string(job.Feedback.Rating)),
			zap.Duration("latency", time.Since(job.Queued)))
	}
	if s.journal == nil {
		return
	}
	// the journal outlives a cancelled delivery
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err != nil {
		err = s.journal.MarkFailed(jctx, job.ID, err)
	} else {
		err = s.journal.MarkDelivered(jctx, job.ID)
	}
	if err != nil {
		s.logger.Warn("journal feedback outcome", zap.String("feedback_id", job.ID), zap.Error(err))
	}
}

// Stop drains queued deliveries, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	return s.dispatcher.Stop(ctx)
}
