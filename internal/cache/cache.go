// Package cache keeps a bounded, recency-ordered window of each
// conversation's messages in front of the durable history store.
package cache

import (
	"context"
	"errors"

	"github.com/haasonsaas/goalchat/pkg/models"
)

// DefaultMaxMessages bounds each cached conversation.
const DefaultMaxMessages = 50

// ErrClosed is returned by a cache used after Close.
var ErrClosed = errors.New("cache closed")

// HistoryCache holds at most N most recent messages per conversation.
//
// Get reports ok=false on a miss. Set replaces the cached window, keeping
// only the last N entries. Append adds one message and trims the oldest so
// the window never exceeds N.
type HistoryCache interface {
	Get(ctx context.Context, conversationID string) ([]*models.Message, bool, error)
	Set(ctx context.Context, conversationID string, messages []*models.Message) error
	Append(ctx context.Context, msg *models.Message) error
	Clear(ctx context.Context, conversationID string) error
	Close() error
}

// tail returns the last n messages, or all of them when n <= 0.
func tail(messages []*models.Message, n int) []*models.Message {
	if n > 0 && len(messages) > n {
		return messages[len(messages)-n:]
	}
	return messages
}
