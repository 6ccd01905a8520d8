package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// DefaultSystemPrompt is sent when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant that helps users define, organize and track their goals. " +
	"Use the available tools to create, list, update, link and delete goals when the user asks. " +
	"Be concise and friendly."

// DefaultHistoryLimit is how many prior messages are sent with each turn.
const DefaultHistoryLimit = 15

// OrchestratorConfig tunes the requests sent to the gateway.
type OrchestratorConfig struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
	HistoryLimit int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator runs the two-phase tool-calling protocol for one user turn:
// ask the model, run the tools it requests, then ask again without tools
// for the final wording.
type Orchestrator struct {
	gateway LLMGateway
	tools   *ToolRegistry
	config  OrchestratorConfig
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator. tools may be nil.
func NewOrchestrator(gateway LLMGateway, tools *ToolRegistry, config OrchestratorConfig) *Orchestrator {
	if tools == nil {
		tools = NewToolRegistry()
	}
	if strings.TrimSpace(config.SystemPrompt) == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Orchestrator{
		gateway: gateway,
		tools:   tools,
		config:  config,
		logger:  config.Logger.With("component", "orchestrator"),
	}
}

// Tools returns the registry used for tool calls.
func (o *Orchestrator) Tools() *ToolRegistry {
	return o.tools
}

// Process answers one user turn. It never fails: provider and unexpected
// failures are turned into fixed reply texts.
func (o *Orchestrator) Process(ctx context.Context, req AgentRequest) (resp AgentResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.ErrorContext(ctx, "orchestrator panic", "panic", rec, "conversation_id", req.ConversationID)
			o.config.Metrics.RecordError("orchestrator", "panic")
			resp = AgentResponse{
				Content:     UnexpectedFailureText,
				ToolCalls:   resp.ToolCalls,
				ToolResults: resp.ToolResults,
			}
		}
	}()

	if o.gateway == nil {
		return o.fail(ctx, req, ErrNoProvider)
	}

	messages := o.buildMessages(req)
	request := &CompletionRequest{
		Model:       o.config.Model,
		System:      o.config.SystemPrompt,
		Messages:    messages,
		MaxTokens:   o.config.MaxTokens,
		Temperature: o.config.Temperature,
	}
	if o.tools.Len() > 0 {
		request.Tools = o.tools.Schemas()
	}

	first, err := o.dispatch(ctx, request)
	if err != nil {
		return o.fail(ctx, req, err)
	}
	if len(first.ToolCalls) == 0 {
		if strings.TrimSpace(first.Content) == "" {
			return o.fail(ctx, req, ErrEmptyResponse)
		}
		return AgentResponse{Content: first.Content}
	}

	calls := normalizeToolCalls(first.ToolCalls)
	resp.ToolCalls = calls
	execCtx := ExecContext{ConversationID: req.ConversationID, OwnerID: req.OwnerID}
	resp.ToolResults = o.tools.ExecuteAll(ctx, calls, execCtx)

	o.logger.InfoContext(ctx, "tools executed",
		"conversation_id", req.ConversationID,
		"tool_calls", len(calls))

	followUp := &CompletionRequest{
		Model:  o.config.Model,
		System: o.config.SystemPrompt,
		Messages: append(messages, CompletionMessage{
			Role:        string(models.RoleAssistant),
			Content:     first.Content,
			ToolCalls:   resp.ToolCalls,
			ToolResults: resp.ToolResults,
		}),
		MaxTokens:   o.config.MaxTokens,
		Temperature: o.config.Temperature,
	}

	second, err := o.dispatch(ctx, followUp)
	if err == nil && strings.TrimSpace(second.Content) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		failed := o.fail(ctx, req, err)
		failed.ToolCalls = resp.ToolCalls
		failed.ToolResults = resp.ToolResults
		return failed
	}
	resp.Content = second.Content
	return resp
}

func (o *Orchestrator) dispatch(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	provider := o.gateway.Name()
	start := time.Now()
	ctx, span := o.config.Tracer.TraceLLMRequest(ctx, provider, req.Model)
	defer span.End()

	resp, err := o.gateway.Complete(ctx, req)
	status := "success"
	if err != nil {
		status = string(Classify(err))
		o.config.Tracer.RecordError(span, err)
	}
	o.config.Metrics.RecordLLMRequest(provider, req.Model, status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

func (o *Orchestrator) fail(ctx context.Context, req AgentRequest, err error) AgentResponse {
	category := Classify(err)
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, ErrNoProvider) {
		category = FailureProvider
	}
	o.logger.WarnContext(ctx, "assistant turn failed",
		"conversation_id", req.ConversationID,
		"category", category,
		"error", err)
	o.config.Metrics.RecordError("orchestrator", string(category))
	return AgentResponse{Content: FailureText(category)}
}

// buildMessages keeps the last HistoryLimit messages as role and text only,
// then appends the pending user message.
func (o *Orchestrator) buildMessages(req AgentRequest) []CompletionMessage {
	history := req.History
	if len(history) > o.config.HistoryLimit {
		history = history[len(history)-o.config.HistoryLimit:]
	}
	messages := make([]CompletionMessage, 0, len(history)+1)
	for _, msg := range history {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		messages = append(messages, CompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return append(messages, CompletionMessage{Role: string(models.RoleUser), Content: req.Message})
}

// normalizeToolCalls fills missing ids and arguments so every call can be
// correlated with its result.
func normalizeToolCalls(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%s", i, uuid.NewString()[:8])
		}
		if len(call.Arguments) == 0 {
			call.Arguments = json.RawMessage(`{}`)
		}
		out = append(out, call)
	}
	return out
}
