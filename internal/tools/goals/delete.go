package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/storage"
)

// DeleteTool removes a goal together with its sub-goals.
type DeleteTool struct {
	goalStore
	schema json.RawMessage
}

// DeleteInput is the input for the delete_goal tool.
type DeleteInput struct {
	GoalID string `json:"goal_id" jsonschema:"required,description=Goal UUID to delete"`
}

// NewDeleteTool creates a new delete_goal tool.
func NewDeleteTool(store storage.GoalStore) *DeleteTool {
	return &DeleteTool{goalStore: goalStore{store: store}, schema: schemaFor[DeleteInput]()}
}

func (t *DeleteTool) Name() string { return "delete_goal" }

func (t *DeleteTool) Description() string {
	return "Delete a goal and all its sub-goals (cascade)"
}

func (t *DeleteTool) Schema() json.RawMessage { return t.schema }

// Execute deletes the goal tree.
func (t *DeleteTool) Execute(ctx context.Context, execCtx agent.ExecContext, params json.RawMessage) (json.RawMessage, error) {
	var input DeleteInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	goalID, res := parseID("goal_id", input.GoalID)
	if res != nil {
		return res, nil
	}

	goal, err := t.owned(ctx, execCtx, goalID)
	if err != nil {
		return nil, err
	}
	if goal == nil {
		return notFound(input.GoalID), nil
	}

	if err := t.store.Delete(ctx, goal.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(input.GoalID), nil
		}
		return nil, fmt.Errorf("delete goal: %w", err)
	}

	return encode(map[string]any{
		"success": true,
		"goal_id": input.GoalID,
		"message": "Goal and all sub-goals deleted successfully",
	}), nil
}
