package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// HistoryStore is the durable source the cache falls back to.
type HistoryStore interface {
	GetHistory(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
}

// History is a read-through view over a HistoryCache. The store remains the
// source of truth; cache failures never fail a caller.
type History struct {
	cache   HistoryCache
	store   HistoryStore
	limit   int
	logger  *slog.Logger
	metrics *observability.Metrics
}

// HistoryConfig configures History.
type HistoryConfig struct {
	Cache HistoryCache
	Store HistoryStore
	// Limit is the number of messages loaded from the store on a miss. It
	// should match the cache bound.
	Limit   int
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewHistory creates the read-through adapter.
func NewHistory(cfg HistoryConfig) *History {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultMaxMessages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &History{
		cache:   cfg.Cache,
		store:   cfg.Store,
		limit:   cfg.Limit,
		logger:  cfg.Logger.With("component", "history_cache"),
		metrics: cfg.Metrics,
	}
}

// Load returns the most recent messages of a conversation in chronological
// order, never nil.
func (h *History) Load(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if h.cache != nil {
		cached, ok, err := h.cache.Get(ctx, conversationID)
		switch {
		case err != nil:
			h.metrics.CacheLookup("error")
			h.logger.WarnContext(ctx, "history cache read failed", "conversation_id", conversationID, "error", err)
		case ok:
			h.metrics.CacheLookup("hit")
			return cached, nil
		default:
			h.metrics.CacheLookup("miss")
		}
	}

	messages, err := h.store.GetHistory(ctx, conversationID, h.limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, conversationID, messages); err != nil {
			h.metrics.CacheWriteFailed("set")
			h.logger.WarnContext(ctx, "history cache populate failed", "conversation_id", conversationID, "error", err)
		}
	}
	return messages, nil
}

// Record appends messages to the cached window in order.
func (h *History) Record(ctx context.Context, messages ...*models.Message) {
	if h.cache == nil {
		return
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if err := h.cache.Append(ctx, msg); err != nil {
			h.metrics.CacheWriteFailed("append")
			h.logger.WarnContext(ctx, "history cache append failed",
				"conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
		}
	}
}

// Forget drops the cached window of a conversation.
func (h *History) Forget(ctx context.Context, conversationID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Clear(ctx, conversationID); err != nil {
		h.metrics.CacheWriteFailed("clear")
		h.logger.WarnContext(ctx, "history cache clear failed", "conversation_id", conversationID, "error", err)
	}
}
