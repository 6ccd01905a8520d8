package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/goalchat/pkg/models"
)

// LLMGateway is the language model backend used by the orchestrator.
//
// Implementations must be safe for concurrent use; sessions of different
// conversations call Complete at the same time.
//
// See Also:
//   - providers.OpenAIProvider
//   - providers.AnthropicProvider
type LLMGateway interface {
	// Complete sends one request and waits for the full reply.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name used in logs and metrics.
	Name() string
}

// CompletionRequest contains all parameters for one gateway call.
type CompletionRequest struct {
	// Model overrides the provider's default model when set.
	Model string `json:"model"`

	// System is the fixed system instruction.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools advertises callable tools. Empty means tool calling is off.
	Tools []ToolSchema `json:"tools,omitempty"`

	// MaxTokens of 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature of 0 uses the provider default.
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionMessage is a single message sent to the gateway.
//
// Role values: "user", "assistant". An assistant message may carry the tool
// calls it made together with their results; providers expand that into
// whatever shape their API expects.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionResponse is the gateway's reply: text, tool calls, or both.
type CompletionResponse struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// ToolSchema advertises one tool to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// AgentRequest is one user turn handed to the orchestrator.
type AgentRequest struct {
	ConversationID string
	OwnerID        string
	// History is the context before this turn, oldest first.
	History []*models.Message
	Message string
}

// AgentResponse is the orchestrator's final answer for a turn. ToolCalls
// and ToolResults are empty when the model answered directly.
type AgentResponse struct {
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}
