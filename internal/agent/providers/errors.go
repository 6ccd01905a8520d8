package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/goalchat/internal/agent"
)

// FailoverReason categorizes why a provider request failed.
type FailoverReason string

const (
	// FailoverBilling indicates payment/quota issues (HTTP 402)
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit indicates rate limiting (HTTP 429)
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth indicates authentication failure (HTTP 401, 403)
	FailoverAuth FailoverReason = "auth"

	// FailoverContextLength indicates the prompt exceeds the model's context window
	FailoverContextLength FailoverReason = "context_length"

	// FailoverTimeout indicates request timeout
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates server-side issues (HTTP 5xx)
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates client-side issues (HTTP 400)
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the model is not available
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverContentFilter indicates content was blocked by safety filters
	FailoverContentFilter FailoverReason = "content_filter"

	// FailoverUnknown indicates an unclassified error
	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed. Rate
// limits are not retried here; the user is told to wait instead.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// Category maps the reason onto the orchestrator's failure taxonomy.
func (r FailoverReason) Category() agent.FailureCategory {
	switch r {
	case FailoverAuth:
		return agent.FailureAuth
	case FailoverRateLimit:
		return agent.FailureRateLimit
	case FailoverContextLength:
		return agent.FailureContextLength
	default:
		return agent.FailureProvider
	}
}

// ProviderError represents a structured error from an LLM provider.
type ProviderError struct {
	// Reason categorizes the error
	Reason FailoverReason

	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Category lets the orchestrator classify the error without importing this
// package.
func (e *ProviderError) Category() agent.FailureCategory {
	return e.Reason.Category()
}

// NewProviderError creates a new ProviderError classified from cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}

	return err
}

// WithStatus adds HTTP status to the error and reclassifies if needed.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage sets the error message and upgrades the reason when the
// message names a context-length overflow.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	if isContextLengthMessage(strings.ToLower(msg)) {
		e.Reason = FailoverContextLength
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// ClassifyError inspects an error and returns the appropriate FailoverReason.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}

	errStr := strings.ToLower(err.Error())

	if isContextLengthMessage(errStr) {
		return FailoverContextLength
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "etimedout") {
		return FailoverTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return FailoverRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "incorrect api key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return FailoverAuth
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "402") {
		return FailoverBilling
	}

	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") {
		return FailoverContentFilter
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") {
		return FailoverModelUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return FailoverServerError
	}

	return FailoverUnknown
}

func isContextLengthMessage(s string) bool {
	return strings.Contains(s, "context_length_exceeded") ||
		strings.Contains(s, "maximum context length") ||
		strings.Contains(s, "context window") ||
		strings.Contains(s, "prompt is too long")
}

// classifyStatusCode returns a FailoverReason based on HTTP status code.
func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusRequestEntityTooLarge:
		return FailoverContextLength
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return FailoverTimeout
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

// classifyErrorCode returns a FailoverReason based on provider-specific error codes.
func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailoverRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return FailoverAuth
	case "context_length_exceeded", "request_too_large":
		return FailoverContextLength
	case "billing_error", "insufficient_quota":
		return FailoverBilling
	case "model_not_found", "model_not_available", "not_found_error":
		return FailoverModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailoverContentFilter
	case "server_error", "internal_error", "api_error", "overloaded_error":
		return FailoverServerError
	case "invalid_request_error":
		return FailoverInvalidRequest
	default:
		return FailoverUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// Reason returns the FailoverReason of err, classifying raw errors.
func Reason(err error) FailoverReason {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason
	}
	return ClassifyError(err)
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	return Reason(err).IsRetryable()
}
