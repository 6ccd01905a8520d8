package agent

import (
	"errors"
)

// Common sentinel errors for agent operations
var (
	// ErrNoProvider indicates no LLM gateway is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrEmptyResponse indicates the gateway returned neither text nor tool calls
	ErrEmptyResponse = errors.New("empty response from provider")
)

// FailureCategory classifies a failed gateway call for the user-facing reply.
type FailureCategory string

const (
	// FailureAuth means the provider rejected our credentials.
	FailureAuth FailureCategory = "auth"

	// FailureRateLimit means the provider throttled us.
	FailureRateLimit FailureCategory = "rate_limit"

	// FailureContextLength means the conversation no longer fits the model.
	FailureContextLength FailureCategory = "context_length"

	// FailureProvider is any other provider-side failure.
	FailureProvider FailureCategory = "provider"

	// FailureUnexpected is a failure that did not come from the provider.
	FailureUnexpected FailureCategory = "unexpected"
)

// Fixed replies sent in place of the model's answer.
const (
	AuthFailureText          = "Configuration error: the assistant is not authorized with its AI provider. Please contact support."
	RateLimitFailureText     = "Too many requests. Please wait a moment and try again."
	ContextLengthFailureText = "This conversation is too long for me to process. Please start a new chat."
	ProviderFailureText      = "Sorry, I couldn't reach the AI provider right now. Please try again."
	UnexpectedFailureText    = "An unexpected error occurred. Please try again."
)

// categorized is implemented by provider errors that know their category.
type categorized interface {
	Category() FailureCategory
}

// Classify maps err onto a FailureCategory.
func Classify(err error) FailureCategory {
	if err == nil {
		return ""
	}
	var c categorized
	if errors.As(err, &c) {
		if category := c.Category(); category != "" {
			return category
		}
		return FailureProvider
	}
	return FailureUnexpected
}

// FailureText returns the fixed reply for a category.
func FailureText(category FailureCategory) string {
	switch category {
	case FailureAuth:
		return AuthFailureText
	case FailureRateLimit:
		return RateLimitFailureText
	case FailureContextLength:
		return ContextLengthFailureText
	case FailureProvider:
		return ProviderFailureText
	default:
		return UnexpectedFailureText
	}
}
