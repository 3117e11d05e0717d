package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"copydesk/internal/redis"
)

const (
	historyKeyPrefix  = "copydesk:history:"
	defaultHistoryTTL = time.Minute
)

// History caches the backend's per-session message history. A nil History,
// or one without a client, is a no-op cache that always misses.
type History struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewHistory(client *redis.Client, ttl time.Duration, logger *zap.Logger) *History {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{client: client, ttl: ttl, logger: logger}
}

func historyKey(sessionID string) string {
	return historyKeyPrefix + sessionID
}

func (h *History) enabled(sessionID string) bool {
	return h != nil && h.client != nil && strings.TrimSpace(sessionID) != ""
}

// Load returns the cached history and whether it was found.
func (h *History) Load(ctx context.Context, sessionID string) (json.RawMessage, bool) {
	if !h.enabled(sessionID) {
		return nil, false
	}
	raw, err := h.client.Get(ctx, historyKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			h.logger.Warn("load history cache failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}
	if !json.Valid(raw) {
		h.logger.Warn("discarding corrupt history cache entry", zap.String("session_id", sessionID))
		h.Invalidate(ctx, sessionID)
		return nil, false
	}
	return json.RawMessage(raw), true
}

// Store caches raw for the configured TTL.
func (h *History) Store(ctx context.Context, sessionID string, raw json.RawMessage) {
	if !h.enabled(sessionID) || len(raw) == 0 {
		return
	}
	if err := h.client.Set(ctx, historyKey(sessionID), []byte(raw), h.ttl); err != nil {
		h.logger.Warn("store history cache failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Invalidate drops the cached history, typically after a new turn.
func (h *History) Invalidate(ctx context.Context, sessionID string) {
	if !h.enabled(sessionID) {
		return
	}
	if err := h.client.Del(ctx, historyKey(sessionID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		h.logger.Warn("invalidate history cache failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
