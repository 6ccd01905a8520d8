package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/goalchat/pkg/models"
)

// RedisHistoryCache stores each window as a Redis list under
// <prefix>:<conversation id>:messages, oldest first.
type RedisHistoryCache struct {
	client    redis.UniversalClient
	ownClient bool
	prefix    string
	max       int
	ttl       time.Duration
}

// RedisOptions configures the Redis cache.
type RedisOptions struct {
	URL         string
	KeyPrefix   string
	MaxMessages int
	TTL         time.Duration
}

// NewRedisHistoryCache parses opts.URL, pings the server and returns a cache
// that owns the client.
func NewRedisHistoryCache(ctx context.Context, opts RedisOptions) (*RedisHistoryCache, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	c := NewRedisHistoryCacheWithClient(client, opts)
	c.ownClient = true
	return c, nil
}

// NewRedisHistoryCacheWithClient wraps an existing client. Close leaves the
// client open.
func NewRedisHistoryCacheWithClient(client redis.UniversalClient, opts RedisOptions) *RedisHistoryCache {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "chat"
	}
	return &RedisHistoryCache{
		client: client,
		prefix: opts.KeyPrefix,
		max:    opts.MaxMessages,
		ttl:    opts.TTL,
	}
}

func (c *RedisHistoryCache) key(conversationID string) string {
	return c.prefix + ":" + conversationID + ":messages"
}

func (c *RedisHistoryCache) Get(ctx context.Context, conversationID string) ([]*models.Message, bool, error) {
	key := c.key(conversationID)
	raw, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lrange %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	messages := make([]*models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, false, fmt.Errorf("decode cached message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, true, nil
}

func (c *RedisHistoryCache) Set(ctx context.Context, conversationID string, messages []*models.Message) error {
	values, err := encodeAll(tail(messages, c.max))
	if err != nil {
		return err
	}
	key := c.key(conversationID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
			c.expire(ctx, pipe, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *RedisHistoryCache) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	values, err := encodeAll([]*models.Message{msg})
	if err != nil {
		return err
	}
	key := c.key(msg.ConversationID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-c.max), -1)
		c.expire(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (c *RedisHistoryCache) Clear(ctx context.Context, conversationID string) error {
	key := c.key(conversationID)
	if err := c.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Close closes the client when the cache created it.
func (c *RedisHistoryCache) Close() error {
	if !c.ownClient {
		return nil
	}
	return c.client.Close()
}

func (c *RedisHistoryCache) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
}

func encodeAll(messages []*models.Message) ([]any, error) {
	values := make([]any, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
		values = append(values, string(data))
	}
	return values, nil
}
