package feedback

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultJanitorInterval = time.Hour

// StartJanitor prunes delivered journal rows past the retention window
// until ctx is done. It does nothing without a journal.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.journal == nil || s.retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	go s.janitorLoop(ctx, interval)
}

func (s *Service) janitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	n, err := s.journal.PruneDelivered(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Warn("prune feedback journal", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("pruned feedback journal", zap.Int64("rows", n))
	}
}
