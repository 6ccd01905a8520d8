package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/agent/toolconv"
	"github.com/haasonsaas/goalchat/pkg/models"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider implements agent.LLMGateway over OpenAI chat completions.
//
// Key differences from the Anthropic provider:
//   - System messages are included in the messages array
//   - Tool results require separate "tool" messages, one per call
//
// OpenAIProvider is safe for concurrent use.
type OpenAIProvider struct {
	BaseProvider
	client      *openai.Client
	temperature float64
}

// NewOpenAIProvider creates an OpenAI provider. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", cfg, defaultOpenAIModel),
		client:       openai.NewClientWithConfig(clientConfig),
		temperature:  cfg.Temperature,
	}, nil
}

// Complete sends one chat completion and returns its text and tool calls.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("openai: request is required")
	}
	model := p.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  p.convertMessages(req.Messages, req.System),
		MaxTokens: p.tokens(req.MaxTokens),
		Tools:     toolconv.ToOpenAITools(req.Tools),
	}
	if temperature := firstNonZero(req.Temperature, p.temperature); temperature > 0 {
		chatReq.Temperature = float32(temperature)
	}

	var resp openai.ChatCompletionResponse
	err := p.Retry(ctx, IsRetryable, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return p.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", model, errors.New("response contained no choices"))
	}

	message := resp.Choices[0].Message
	out := &agent.CompletionResponse{Content: message.Content}
	for _, tc := range message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    string(tr.Result),
					ToolCallID: tr.ToolCallID,
				})
			}
		case "system":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ClassifyError(err),
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if code := apiCode(apiErr.Code); code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := NewProviderError("openai", model, err)
		return providerErr.WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, err)
}

// apiCode normalizes APIError.Code, which the API sends as a string or a number.
func apiCode(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func rawArguments(arguments string) json.RawMessage {
	if arguments == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(arguments)
}

func firstNonZero(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
