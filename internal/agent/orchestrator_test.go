package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/goalchat/pkg/models"
)

type scriptedReply struct {
	resp  *CompletionResponse
	err   error
	panic any
}

// scriptedGateway returns replies in order and records every request.
type scriptedGateway struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []*CompletionRequest
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	reply := g.replies[0]
	g.replies = g.replies[1:]
	if reply.panic != nil {
		panic(reply.panic)
	}
	return reply.resp, reply.err
}

type categoryError struct {
	category FailureCategory
}

func (e categoryError) Error() string              { return fmt.Sprintf("provider failed: %s", e.category) }
func (e categoryError) Category() FailureCategory { return e.category }

func textReply(text string) scriptedReply {
	return scriptedReply{resp: &CompletionResponse{Content: text}}
}

func goalRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	registry := NewToolRegistry()
	mustRegister(t, registry, &testTool{
		name:   "create_goal",
		schema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`),
		execute: func(context.Context, ExecContext, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"success":true,"goal_id":"g1"}`), nil
		},
	})
	return registry
}

func TestOrchestrator_PlainReply(t *testing.T) {
	gateway := &scriptedGateway{replies: []scriptedReply{textReply("Hi!")}}
	orch := NewOrchestrator(gateway, nil, OrchestratorConfig{})

	resp := orch.Process(context.Background(), AgentRequest{ConversationID: "c1", Message: "Hello"})
	if resp.Content != "Hi!" {
		t.Fatalf("expected Hi!, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 0 || len(resp.ToolResults) != 0 {
		t.Fatalf("expected no tool metadata, got %+v", resp)
	}
	if len(gateway.requests) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(gateway.requests))
	}
	req := gateway.requests[0]
	if len(req.Tools) != 0 {
		t.Fatalf("expected no tools advertised with an empty registry, got %d", len(req.Tools))
	}
	if req.System != DefaultSystemPrompt {
		t.Fatalf("expected default system prompt, got %q", req.System)
	}
}

func TestOrchestrator_ToolRoundTrip(t *testing.T) {
	gateway := &scriptedGateway{replies: []scriptedReply{
		{resp: &CompletionResponse{ToolCalls: []models.ToolCall{{
			ID:        "t1",
			Name:      "create_goal",
			Arguments: json.RawMessage(`{"title":"Ship v1"}`),
		}}}},
		textReply("Created your goal."),
	}}
	orch := NewOrchestrator(gateway, goalRegistry(t), OrchestratorConfig{})

	resp := orch.Process(context.Background(), AgentRequest{ConversationID: "c1", OwnerID: "u1", Message: "Add Ship v1"})
	if resp.Content != "Created your goal." {
		t.Fatalf("expected final text, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "t1" {
		t.Fatalf("expected one tool call t1, got %+v", resp.ToolCalls)
	}
	if len(resp.ToolResults) != 1 || resp.ToolResults[0].ToolCallID != "t1" || resp.ToolResults[0].Name != "create_goal" {
		t.Fatalf("expected one result for t1, got %+v", resp.ToolResults)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.ToolResults[0].Result, &result); err != nil || result["goal_id"] != "g1" {
		t.Fatalf("unexpected result payload %s", resp.ToolResults[0].Result)
	}

	if len(gateway.requests) != 2 {
		t.Fatalf("expected two gateway calls, got %d", len(gateway.requests))
	}
	if len(gateway.requests[0].Tools) != 1 {
		t.Fatalf("expected the first call to advertise tools")
	}
	second := gateway.requests[1]
	if len(second.Tools) != 0 {
		t.Fatalf("expected the follow-up call to carry no tools, got %d", len(second.Tools))
	}
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "assistant" || len(last.ToolCalls) != 1 || len(last.ToolResults) != 1 {
		t.Fatalf("expected follow-up to end with the assistant tool turn, got %+v", last)
	}
}

func TestOrchestrator_EveryCallGetsAResult(t *testing.T) {
	gateway := &scriptedGateway{replies: []scriptedReply{
		{resp: &CompletionResponse{ToolCalls: []models.ToolCall{
			{ID: "a", Name: "create_goal", Arguments: json.RawMessage(`{"title":"x"}`)},
			{Name: "unknown_tool"},
			{ID: "c", Name: "create_goal", Arguments: json.RawMessage(`{}`)},
		}}},
		textReply("done"),
	}}
	orch := NewOrchestrator(gateway, goalRegistry(t), OrchestratorConfig{})

	resp := orch.Process(context.Background(), AgentRequest{Message: "go"})
	if len(resp.ToolResults) != len(resp.ToolCalls) || len(resp.ToolCalls) != 3 {
		t.Fatalf("expected 3 calls and 3 results, got %d and %d", len(resp.ToolCalls), len(resp.ToolResults))
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			t.Fatalf("call %d has no id", i)
		}
		if resp.ToolResults[i].ToolCallID != resp.ToolCalls[i].ID {
			t.Fatalf("result %d is not correlated with its call", i)
		}
	}
	if resp.ToolResults[0].IsError() || !resp.ToolResults[1].IsError() || !resp.ToolResults[2].IsError() {
		t.Fatalf("unexpected error flags in %+v", resp.ToolResults)
	}
}

func TestOrchestrator_Failures(t *testing.T) {
	tests := []struct {
		name  string
		reply scriptedReply
		want  string
	}{
		{"auth", scriptedReply{err: categoryError{FailureAuth}}, AuthFailureText},
		{"rate limit", scriptedReply{err: fmt.Errorf("wrapped: %w", categoryError{FailureRateLimit})}, RateLimitFailureText},
		{"context length", scriptedReply{err: categoryError{FailureContextLength}}, ContextLengthFailureText},
		{"provider", scriptedReply{err: categoryError{FailureProvider}}, ProviderFailureText},
		{"unexpected", scriptedReply{err: errors.New("boom")}, UnexpectedFailureText},
		{"empty reply", textReply("   "), ProviderFailureText},
		{"nil reply", scriptedReply{}, ProviderFailureText},
		{"panic", scriptedReply{panic: "gateway exploded"}, UnexpectedFailureText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := &scriptedGateway{replies: []scriptedReply{tt.reply}}
			orch := NewOrchestrator(gateway, nil, OrchestratorConfig{})
			resp := orch.Process(context.Background(), AgentRequest{Message: "Hello"})
			if resp.Content != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, resp.Content)
			}
		})
	}
}

func TestOrchestrator_NoGateway(t *testing.T) {
	orch := NewOrchestrator(nil, nil, OrchestratorConfig{})
	resp := orch.Process(context.Background(), AgentRequest{Message: "Hello"})
	if resp.Content != ProviderFailureText {
		t.Fatalf("expected provider failure text, got %q", resp.Content)
	}
}

func TestOrchestrator_FollowUpFailureKeepsToolMetadata(t *testing.T) {
	gateway := &scriptedGateway{replies: []scriptedReply{
		{resp: &CompletionResponse{ToolCalls: []models.ToolCall{{ID: "t1", Name: "create_goal", Arguments: json.RawMessage(`{"title":"x"}`)}}}},
		{err: categoryError{FailureRateLimit}},
	}}
	orch := NewOrchestrator(gateway, goalRegistry(t), OrchestratorConfig{})

	resp := orch.Process(context.Background(), AgentRequest{Message: "add x"})
	if resp.Content != RateLimitFailureText {
		t.Fatalf("expected rate limit text, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || len(resp.ToolResults) != 1 {
		t.Fatalf("expected tool metadata to survive, got %+v", resp)
	}
}

func TestOrchestrator_HistoryWindow(t *testing.T) {
	history := make([]*models.Message, 0, 20)
	for i := 0; i < 20; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		history = append(history, &models.Message{ID: fmt.Sprint(i), Role: role, Content: fmt.Sprintf("m%d", i)})
	}
	history = append(history, &models.Message{Role: models.RoleSystem, Content: "ignored"})

	gateway := &scriptedGateway{replies: []scriptedReply{textReply("ok")}}
	orch := NewOrchestrator(gateway, nil, OrchestratorConfig{HistoryLimit: 5})
	orch.Process(context.Background(), AgentRequest{History: history, Message: "latest"})

	messages := gateway.requests[0].Messages
	// The last five history entries include the system message, which is dropped.
	want := []string{"m16", "m17", "m18", "m19", "latest"}
	if len(messages) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(messages), messages)
	}
	for i, content := range want {
		if messages[i].Content != content {
			t.Fatalf("message %d: expected %q, got %q", i, content, messages[i].Content)
		}
	}
	if messages[len(messages)-1].Role != "user" {
		t.Fatalf("expected pending message to be sent as user")
	}
}
