package cache

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/goalchat/pkg/models"
)

type memoryEntry struct {
	messages  []*models.Message
	expiresAt time.Time
}

// MemoryHistoryCache is a process-local HistoryCache.
type MemoryHistoryCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	max     int
	ttl     time.Duration
	now     func() time.Time
	closed  bool
}

// MemoryOptions configures the memory cache.
type MemoryOptions struct {
	MaxMessages int
	// TTL of zero keeps entries until cleared.
	TTL time.Duration
	Now func() time.Time
}

// NewMemoryHistoryCache creates a memory cache.
func NewMemoryHistoryCache(opts MemoryOptions) *MemoryHistoryCache {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryHistoryCache{
		entries: make(map[string]*memoryEntry),
		max:     opts.MaxMessages,
		ttl:     opts.TTL,
		now:     opts.Now,
	}
}

func (c *MemoryHistoryCache) Get(ctx context.Context, conversationID string) ([]*models.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}

	entry, ok := c.entries[conversationID]
	if !ok {
		return nil, false, nil
	}
	if c.expiredLocked(entry) {
		delete(c.entries, conversationID)
		return nil, false, nil
	}
	return cloneAll(entry.messages), true, nil
}

func (c *MemoryHistoryCache) Set(ctx context.Context, conversationID string, messages []*models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.entries[conversationID] = &memoryEntry{
		messages:  cloneAll(tail(messages, c.max)),
		expiresAt: c.expiryLocked(),
	}
	return nil
}

func (c *MemoryHistoryCache) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	entry, ok := c.entries[msg.ConversationID]
	if !ok || c.expiredLocked(entry) {
		entry = &memoryEntry{}
		c.entries[msg.ConversationID] = entry
	}
	entry.messages = tail(append(entry.messages, msg.Clone()), c.max)
	entry.expiresAt = c.expiryLocked()
	return nil
}

func (c *MemoryHistoryCache) Clear(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
	return nil
}

// Close drops every entry.
func (c *MemoryHistoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memoryEntry)
	c.closed = true
	return nil
}

func (c *MemoryHistoryCache) expiredLocked(entry *memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt)
}

func (c *MemoryHistoryCache) expiryLocked() time.Time {
	if c.ttl == 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func cloneAll(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Clone())
	}
	return out
}
