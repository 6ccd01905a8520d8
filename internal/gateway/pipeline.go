package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/cache"
	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// MessageStore persists messages. sessions.Store satisfies it.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
}

// Responder produces the assistant reply for one user turn.
// *agent.Orchestrator satisfies it.
type Responder interface {
	Process(ctx context.Context, req agent.AgentRequest) agent.AgentResponse
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Store     MessageStore
	History   *cache.History
	Responder Responder
	// Locker serializes turns per conversation. Defaults to an in-process
	// sessions.LocalLocker.
	Locker sessions.Locker
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline runs one conversation turn: persist the user message, ask the
// orchestrator, persist the reply and update the cached window.
type Pipeline struct {
	store     MessageStore
	history   *cache.History
	responder Responder
	locker    sessions.Locker
	logger    *slog.Logger
	now       func() time.Time

	// clockMu serializes timestamp allocation so stored order matches
	// creation order.
	clockMu sync.Mutex
	last    time.Time
}

// Result holds the two messages produced by a turn.
type Result struct {
	User      *models.Message
	Assistant *models.Message
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: message store is required")
	}
	if cfg.History == nil {
		return nil, errors.New("pipeline: history is required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("pipeline: responder is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Locker == nil {
		cfg.Locker = sessions.NewLocalLocker(0)
	}
	return &Pipeline{
		store:     cfg.Store,
		history:   cfg.History,
		responder: cfg.Responder,
		locker:    cfg.Locker,
		logger:    cfg.Logger.With("component", "pipeline"),
		now:       cfg.Now,
	}, nil
}

// LoadInitialHistory warms the cache for a conversation and returns its
// most recent messages.
func (p *Pipeline) LoadInitialHistory(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return p.history.Load(ctx, conversationID)
}

// Attach loads the conversation's recent messages and hands them to join
// while no turn is in flight, so a joining connection sees every message
// exactly once: either in the history it receives or in a later publish.
// An error from join is returned unchanged.
func (p *Pipeline) Attach(ctx context.Context, conversationID string, join func([]*models.Message) error) error {
	if err := p.locker.Lock(ctx, conversationID); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}
	defer p.locker.Unlock(conversationID)

	history, err := p.LoadInitialHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	return join(history)
}

// HandleUserMessage runs one turn. Turns on the same conversation run one at
// a time, so the store, the cache and publish all see the same order.
// publish, if set, is called with the stored messages before the turn
// releases the conversation. The returned error covers storage failures
// only; the orchestrator always yields a reply.
func (p *Pipeline) HandleUserMessage(ctx context.Context, conversationID, ownerID, content string, publish func(*Result)) (*Result, error) {
	if err := p.locker.Lock(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	defer p.locker.Unlock(conversationID)

	history, err := p.history.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      p.timestamp(),
	}
	if err := p.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	p.history.Record(ctx, userMsg)

	reply := p.responder.Process(ctx, agent.AgentRequest{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		History:        history,
		Message:        content,
	})

	assistantMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        reply.Content,
		ToolCalls:      reply.ToolCalls,
		ToolResults:    reply.ToolResults,
		CreatedAt:      p.timestamp(),
	}
	if err := p.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	p.history.Record(ctx, assistantMsg)

	result := &Result{User: userMsg, Assistant: assistantMsg}
	if publish != nil {
		publish(result)
	}

	p.logger.DebugContext(ctx, "turn completed",
		"conversation_id", conversationID,
		"tool_calls", len(reply.ToolCalls))
	return result, nil
}

// timestamp returns a UTC time strictly after every earlier one.
func (p *Pipeline) timestamp() time.Time {
	p.clockMu.Lock()
	defer p.clockMu.Unlock()
	ts := p.now().UTC().Truncate(time.Microsecond)
	if !ts.After(p.last) {
		ts = p.last.Add(time.Microsecond)
	}
	p.last = ts
	return ts
}
