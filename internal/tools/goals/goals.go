// Package goals provides the goal management tools exposed to the model.
//
// Every tool is scoped to the conversation in its agent.ExecContext: a goal
// that belongs to another conversation is reported as not found.
package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/storage"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// MaxTitleLength bounds goal titles.
const MaxTitleLength = 500

// Tools returns every goal tool backed by store.
func Tools(store storage.GoalStore) []agent.Tool {
	return []agent.Tool{
		NewCreateTool(store),
		NewListTool(store),
		NewUpdateStatusTool(store),
		NewUpdateTool(store),
		NewDeleteTool(store),
		NewLinkTool(store),
	}
}

// Register adds every goal tool to registry.
func Register(registry *agent.ToolRegistry, store storage.GoalStore) error {
	for _, tool := range Tools(store) {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// schemaFor reflects the argument struct T into an inline JSON Schema.
func schemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(new(T))
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// goalStore is embedded by every tool.
type goalStore struct {
	store storage.GoalStore
}

// owned loads a goal of the calling conversation. It returns nil when the
// goal does not exist or belongs elsewhere.
func (g goalStore) owned(ctx context.Context, execCtx agent.ExecContext, id string) (*models.Goal, error) {
	goal, err := g.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get goal %s: %w", id, err)
	}
	if goal.ConversationID != execCtx.ConversationID {
		return nil, nil
	}
	return goal, nil
}

func requireConversation(execCtx agent.ExecContext) (json.RawMessage, bool) {
	if execCtx.ConversationID == "" {
		return errorResult("chat_id not found in context"), false
	}
	return nil, true
}

func parseID(field, raw string) (string, json.RawMessage) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errorResult(fmt.Sprintf("Invalid %s format: %s", field, raw))
	}
	return id.String(), nil
}

func notFound(id string) json.RawMessage {
	return errorResult("Goal not found: " + id)
}

func errorResult(message string) json.RawMessage {
	return encode(map[string]string{"error": message})
}

func encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"failed to encode result"}`)
	}
	return data
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
