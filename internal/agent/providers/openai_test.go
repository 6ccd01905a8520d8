package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/pkg/models"
)

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProvider(Config{
		APIKey:     "test-key",
		BaseURL:    server.URL + "/v1",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	return provider
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestOpenAICompleteText(t *testing.T) {
	var got openai.ChatCompletionRequest
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Hello there"},
				"finish_reason": "stop",
			}},
		})
	})

	resp, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		System:   "be brief",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Hello there" {
		t.Fatalf("expected content %q, got %q", "Hello there", resp.Content)
	}
	if got.Model != defaultOpenAIModel {
		t.Fatalf("expected default model %q, got %q", defaultOpenAIModel, got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("expected system + user messages, got %+v", got.Messages)
	}
	if len(got.Tools) != 0 {
		t.Fatalf("expected no tools, got %d", len(got.Tools))
	}
}

func TestOpenAICompleteToolCalls(t *testing.T) {
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "create_goal" {
			t.Errorf("expected create_goal tool, got %+v", req.Tools)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"id": "chatcmpl-2",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "create_goal",
							"arguments": `{"title":"Run a marathon"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	})

	resp, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "add a goal"}},
		Tools: []agent.ToolSchema{{
			Name:        "create_goal",
			Description: "Create a goal",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "create_goal" {
		t.Fatalf("unexpected tool call %+v", call)
	}
	if string(call.Arguments) != `{"title":"Run a marathon"}` {
		t.Fatalf("unexpected arguments %s", call.Arguments)
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(t, w, http.StatusInternalServerError, map[string]any{
				"error": map[string]any{"message": "boom", "type": "server_error"},
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "recovered"},
			}},
		})
	})

	resp, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("expected recovered, got %q", resp.Content)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestOpenAIDoesNotRetryRateLimit(t *testing.T) {
	var calls atomic.Int32
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"},
		})
	})

	_, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := agent.Classify(err); got != agent.FailureRateLimit {
		t.Fatalf("expected rate limit category, got %v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestConvertToOpenAIMessagesToolResults(t *testing.T) {
	provider := &OpenAIProvider{}
	messages := provider.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "list and create"},
		{
			Role: "assistant",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "list_goals", Arguments: json.RawMessage(`{}`)},
				{ID: "call_2", Name: "create_goal", Arguments: json.RawMessage(`{"title":"x"}`)},
			},
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Name: "list_goals", Result: json.RawMessage(`{"goals":[]}`)},
				{ToolCallID: "call_2", Name: "create_goal", Result: json.RawMessage(`{"success":true}`)},
			},
		},
	}, "system prompt")

	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	if len(messages[2].ToolCalls) != 2 {
		t.Fatalf("expected assistant message with 2 tool calls, got %+v", messages[2])
	}
	for i, id := range []string{"call_1", "call_2"} {
		msg := messages[3+i]
		if msg.Role != openai.ChatMessageRoleTool || msg.ToolCallID != id {
			t.Fatalf("message %d: expected tool message for %s, got %+v", 3+i, id, msg)
		}
	}
}

func TestWrapOpenAIError(t *testing.T) {
	provider := &OpenAIProvider{}

	apiErr := &openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
		Code:           "rate_limit_error",
	}
	wrapped := provider.wrapError(apiErr, "gpt-4o")
	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", wrapped)
	}
	if providerErr.Status != 429 {
		t.Fatalf("expected status 429, got %d", providerErr.Status)
	}
	if providerErr.Reason != FailoverRateLimit {
		t.Fatalf("expected reason %v, got %v", FailoverRateLimit, providerErr.Reason)
	}
	if providerErr.Code != "rate_limit_error" {
		t.Fatalf("expected code rate_limit_error, got %q", providerErr.Code)
	}

	contextErr := &openai.APIError{
		HTTPStatusCode: 400,
		Message:        "This model's maximum context length is 128000 tokens.",
		Code:           "context_length_exceeded",
	}
	if reason := Reason(provider.wrapError(contextErr, "gpt-4o")); reason != FailoverContextLength {
		t.Fatalf("expected reason %v, got %v", FailoverContextLength, reason)
	}

	reqErr := &openai.RequestError{
		HTTPStatusCode: 503,
		Err:            errors.New("upstream unavailable"),
	}
	wrapped = provider.wrapError(reqErr, "gpt-4o")
	providerErr, ok = GetProviderError(wrapped)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", wrapped)
	}
	if providerErr.Status != 503 {
		t.Fatalf("expected status 503, got %d", providerErr.Status)
	}
	if providerErr.Reason != FailoverServerError {
		t.Fatalf("expected reason %v, got %v", FailoverServerError, providerErr.Reason)
	}
}

func TestOpenAIWrapErrorAlreadyWrapped(t *testing.T) {
	provider := &OpenAIProvider{}
	original := NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(401)
	if got := provider.wrapError(original, "gpt-4o"); got != original {
		t.Fatalf("expected the same error back, got %v", got)
	}
}
