package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/cache"
	"github.com/haasonsaas/goalchat/pkg/models"
)

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	history := cache.NewHistory(cache.HistoryConfig{})
	tests := []struct {
		name string
		cfg  PipelineConfig
	}{
		{"no store", PipelineConfig{History: history, Responder: replyWith("x")}},
		{"no history", PipelineConfig{Store: &failingStore{}, Responder: replyWith("x")}},
		{"no responder", PipelineConfig{Store: &failingStore{}, History: history}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPipeline(tt.cfg); err == nil {
				t.Fatal("NewPipeline() error = nil")
			}
		})
	}
}

func TestPipelineHandleUserMessage(t *testing.T) {
	var requests []agent.AgentRequest
	env := newTestEnv(t, responderFunc(func(_ context.Context, req agent.AgentRequest) agent.AgentResponse {
		requests = append(requests, req)
		return agent.AgentResponse{
			Content:     "Created your goal.",
			ToolCalls:   []models.ToolCall{{ID: "call_1", Name: "create_goal", Arguments: json.RawMessage(`{"title":"Run"}`)}},
			ToolResults: []models.ToolResult{{ToolCallID: "call_1", Name: "create_goal", Result: json.RawMessage(`{"success":true}`)}},
		}
	}))
	conv := env.createConversation(t, "owner-1")
	ctx := context.Background()

	first, err := env.pipeline.HandleUserMessage(ctx, conv.ID, "owner-1", "Add a goal: Run", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if first.User.Role != models.RoleUser || first.User.Content != "Add a goal: Run" {
		t.Fatalf("user message = %+v", first.User)
	}
	if first.Assistant.Role != models.RoleAssistant || len(first.Assistant.ToolCalls) != 1 || len(first.Assistant.ToolResults) != 1 {
		t.Fatalf("assistant message = %+v", first.Assistant)
	}
	if !first.Assistant.CreatedAt.After(first.User.CreatedAt) {
		t.Fatal("assistant must be created after the user message")
	}

	if _, err := env.pipeline.HandleUserMessage(ctx, conv.ID, "owner-1", "Thanks", nil); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("responder called %d times, want 2", len(requests))
	}
	if len(requests[0].History) != 0 {
		t.Fatalf("first turn history = %d, want 0", len(requests[0].History))
	}
	if got := requests[1].History; len(got) != 2 || got[0].ID != first.User.ID || got[1].ID != first.Assistant.ID {
		t.Fatalf("second turn history = %v", got)
	}
	if requests[1].Message != "Thanks" || requests[1].OwnerID != "owner-1" {
		t.Fatalf("second request = %+v", requests[1])
	}

	stored, err := env.stores.Conversations.GetAll(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("stored %d messages, want 4", len(stored))
	}
	if len(stored[1].ToolCalls) != 1 || stored[1].ToolCalls[0].Name != "create_goal" {
		t.Fatalf("tool calls not persisted: %+v", stored[1])
	}

	cached, err := env.history.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cached) != len(stored) {
		t.Fatalf("cached %d messages, stored %d", len(cached), len(stored))
	}
	for i := range stored {
		if cached[i].ID != stored[i].ID {
			t.Fatalf("cache diverges from store at %d: %s != %s", i, cached[i].ID, stored[i].ID)
		}
	}
}

func TestPipelineTimestampsStrictlyIncrease(t *testing.T) {
	frozen := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	env := newTestEnv(t, replyWith("ok"))
	pipeline, err := NewPipeline(PipelineConfig{
		Store:     env.stores.Conversations,
		History:   env.history,
		Responder: replyWith("ok"),
		Now:       func() time.Time { return frozen },
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	conv := env.createConversation(t, "owner-1")

	var last time.Time
	for i := 0; i < 3; i++ {
		result, err := pipeline.HandleUserMessage(context.Background(), conv.ID, "owner-1", "again", nil)
		if err != nil {
			t.Fatalf("HandleUserMessage() error = %v", err)
		}
		for _, msg := range []*models.Message{result.User, result.Assistant} {
			if !msg.CreatedAt.After(last) {
				t.Fatalf("created_at %v not after %v", msg.CreatedAt, last)
			}
			last = msg.CreatedAt
		}
	}
}

func TestPipelineAssistantSaveFailureKeepsUserInCache(t *testing.T) {
	env := newTestEnv(t, replyWith("ok"))
	conv := env.createConversation(t, "owner-1")
	pipeline, err := NewPipeline(PipelineConfig{
		Store:     &failingStore{MessageStore: env.stores.Conversations, ok: 1},
		History:   env.history,
		Responder: replyWith("ok"),
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	if _, err := pipeline.HandleUserMessage(context.Background(), conv.ID, "owner-1", "Hi", nil); err == nil {
		t.Fatal("HandleUserMessage() error = nil, want save failure")
	}

	cached, err := env.history.Load(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	stored, _ := env.stores.Conversations.GetAll(context.Background(), conv.ID)
	if len(cached) != 1 || len(stored) != 1 || cached[0].ID != stored[0].ID {
		t.Fatalf("cache %v and store %v disagree", cached, stored)
	}
}

func TestPipelineLoadInitialHistoryNeverNil(t *testing.T) {
	env := newTestEnv(t, replyWith("ok"))
	conv := env.createConversation(t, "owner-1")
	history, err := env.pipeline.LoadInitialHistory(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("LoadInitialHistory() error = %v", err)
	}
	if history == nil || len(history) != 0 {
		t.Fatalf("history = %v, want empty slice", history)
	}
}

// gatedResponder blocks turns whose message is "slow" until release is
// closed, and reports every turn it starts on entered.
type gatedResponder struct {
	entered chan string
	release chan struct{}
}

func newGatedResponder() *gatedResponder {
	return &gatedResponder{entered: make(chan string, 8), release: make(chan struct{})}
}

func (g *gatedResponder) Process(ctx context.Context, req agent.AgentRequest) agent.AgentResponse {
	g.entered <- req.Message
	if req.Message == "slow" {
		<-g.release
	}
	return agent.AgentResponse{Content: "re:" + req.Message}
}

func (g *gatedResponder) waitEntered(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-g.entered:
		if got != want {
			t.Fatalf("turn %q started, want %q", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("turn %q never started", want)
	}
}

func contents(messages []*models.Message) []string {
	out := make([]string, len(messages))
	for i, msg := range messages {
		out[i] = msg.Content
	}
	return out
}

func TestPipelineOverlappingTurnsKeepCacheOrder(t *testing.T) {
	responder := newGatedResponder()
	env := newTestEnv(t, responder)
	conv := env.createConversation(t, "owner-1")
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		_, err := env.pipeline.HandleUserMessage(ctx, conv.ID, "owner-1", "slow", nil)
		errs <- err
	}()
	responder.waitEntered(t, "slow")

	go func() {
		_, err := env.pipeline.HandleUserMessage(ctx, conv.ID, "owner-1", "fast", nil)
		errs <- err
	}()
	select {
	case got := <-responder.entered:
		t.Fatalf("turn %q started while another turn held the conversation", got)
	case <-time.After(20 * time.Millisecond):
	}

	close(responder.release)
	responder.waitEntered(t, "fast")
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("HandleUserMessage() error = %v", err)
		}
	}

	stored, err := env.stores.Conversations.GetAll(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	cached, err := env.history.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"slow", "re:slow", "fast", "re:fast"}
	if got := contents(stored); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("store = %v, want %v", got, want)
	}
	if got := contents(cached); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("cache = %v, want %v", got, want)
	}
}

func TestPipelineAttachWaitsForTurn(t *testing.T) {
	responder := newGatedResponder()
	env := newTestEnv(t, responder)
	conv := env.createConversation(t, "owner-1")
	ctx := context.Background()

	var published []*Result
	turnDone := make(chan error, 1)
	go func() {
		_, err := env.pipeline.HandleUserMessage(ctx, conv.ID, "owner-1", "slow", func(result *Result) {
			published = append(published, result)
		})
		turnDone <- err
	}()
	responder.waitEntered(t, "slow")

	joined := make(chan []*models.Message, 1)
	go func() {
		_ = env.pipeline.Attach(ctx, conv.ID, func(history []*models.Message) error {
			joined <- history
			return nil
		})
	}()
	select {
	case <-joined:
		t.Fatal("Attach() ran during an unfinished turn")
	case <-time.After(20 * time.Millisecond):
	}

	close(responder.release)
	if err := <-turnDone; err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	select {
	case history := <-joined:
		if got := contents(history); len(got) != 2 || got[0] != "slow" || got[1] != "re:slow" {
			t.Fatalf("attached history = %v", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Attach() never ran")
	}
	if len(published) != 1 || published[0].Assistant.Content != "re:slow" {
		t.Fatalf("published = %v", published)
	}
}

func TestPipelineAttachReturnsJoinError(t *testing.T) {
	env := newTestEnv(t, replyWith("ok"))
	conv := env.createConversation(t, "owner-1")
	boom := errors.New("boom")
	if err := env.pipeline.Attach(context.Background(), conv.ID, func([]*models.Message) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Attach() error = %v, want %v", err, boom)
	}
	if err := env.pipeline.Attach(context.Background(), conv.ID, func([]*models.Message) error { return nil }); err != nil {
		t.Fatalf("Attach() after failed join error = %v", err)
	}
}
