package providers

import (
	"context"
	"time"
)

// Config is shared by every provider.
type Config struct {
	APIKey  string
	BaseURL string
	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string
	// MaxTokens is the default completion budget.
	MaxTokens   int
	MaxRetries  int
	RetryDelay  time.Duration
	Temperature float64
}

// BaseProvider holds shared defaults and retry policy for LLM providers.
type BaseProvider struct {
	name         string
	defaultModel string
	maxTokens    int
	maxRetries   int
	retryDelay   time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, cfg Config, fallbackModel string) BaseProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = fallbackModel
	}
	return BaseProvider{
		name:         name,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
}

// Name returns the provider identifier.
func (b *BaseProvider) Name() string {
	return b.name
}

func (b *BaseProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return b.defaultModel
}

func (b *BaseProvider) tokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return b.maxTokens
}

// Retry executes op with linear backoff while isRetryable returns true.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}
