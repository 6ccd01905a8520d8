package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/agent/toolconv"
	"github.com/haasonsaas/goalchat/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements agent.LLMGateway over the Anthropic Messages API.
//
// The system prompt travels in params.System rather than the message list.
// Tool calls become tool_use blocks on the assistant message and their
// results become tool_result blocks on the following user message.
type AnthropicProvider struct {
	BaseProvider
	client      anthropic.Client
	temperature float64
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	// Retries are driven by BaseProvider so the SDK's own are disabled.
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg, defaultAnthropicModel),
		client:       anthropic.NewClient(options...),
		temperature:  cfg.Temperature,
	}, nil
}

// Complete sends one Messages request and returns its text and tool calls.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("anthropic: request is required")
	}
	model := p.model(req.Model)

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.tokens(req.MaxTokens)),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if temperature := firstNonZero(req.Temperature, p.temperature); temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	var message *anthropic.Message
	err = p.Retry(ctx, IsRetryable, func() error {
		var callErr error
		message, callErr = p.client.Messages.New(ctx, params)
		if callErr != nil {
			return p.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &agent.CompletionResponse{}
	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: normalizeInput(toolUse.Input),
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// convertMessages maps the conversation onto Anthropic message params. An
// assistant turn with tool results expands into the assistant message plus a
// user message carrying one tool_result block per call.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(normalizeInput(call.Arguments), &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

			if len(msg.ToolResults) > 0 {
				results := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolResults))
				for _, tr := range msg.ToolResults {
					results = append(results, anthropic.NewToolResultBlock(tr.ToolCallID, string(tr.Result), tr.IsError()))
				}
				result = append(result, anthropic.NewUserMessage(results...))
			}
		default:
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else {
			providerErr.Message = "anthropic request failed"
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}

func normalizeInput(input json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(input))) == 0 || string(input) == "null" {
		return json.RawMessage(`{}`)
	}
	return input
}
