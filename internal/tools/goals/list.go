package goals

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/storage"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// ListTool lists the goals of the conversation.
type ListTool struct {
	goalStore
	schema json.RawMessage
}

// ListInput is the input for the list_goals tool.
type ListInput struct {
	Status          string `json:"status,omitempty" jsonschema:"enum=in_progress,enum=completed,enum=cancelled,enum=blocked,description=Filter by goal status (optional)"`
	IncludeSubgoals bool   `json:"include_subgoals,omitempty" jsonschema:"description=Include all sub-goals in results (default: false; shows only root goals)"`
}

type goalView struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	ParentID    *string `json:"parent_id"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// NewListTool creates a new list_goals tool.
func NewListTool(store storage.GoalStore) *ListTool {
	return &ListTool{goalStore: goalStore{store: store}, schema: schemaFor[ListInput]()}
}

func (t *ListTool) Name() string { return "list_goals" }

func (t *ListTool) Description() string {
	return "List user's goals with optional filtering by status"
}

func (t *ListTool) Schema() json.RawMessage { return t.schema }

// Execute lists root goals, or every goal when include_subgoals is set.
func (t *ListTool) Execute(ctx context.Context, execCtx agent.ExecContext, params json.RawMessage) (json.RawMessage, error) {
	if res, ok := requireConversation(execCtx); !ok {
		return res, nil
	}

	var input ListInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	filter := storage.GoalFilter{RootsOnly: !input.IncludeSubgoals}
	if input.Status != "" {
		status := models.GoalStatus(input.Status)
		if !status.Valid() {
			return errorResult("Invalid status: " + input.Status), nil
		}
		filter.Status = status
	}

	goals, err := t.store.List(ctx, execCtx.ConversationID, filter)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}

	views := make([]goalView, 0, len(goals))
	for _, g := range goals {
		views = append(views, goalView{
			ID:          g.ID,
			Title:       g.Title,
			Description: g.Description,
			Status:      string(g.Status),
			ParentID:    optionalID(g.ParentID),
			CreatedAt:   timestamp(g.CreatedAt),
			UpdatedAt:   timestamp(g.UpdatedAt),
		})
	}

	return encode(map[string]any{
		"success": true,
		"count":   len(views),
		"goals":   views,
	}), nil
}
