package goals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/storage"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// UpdateStatusTool changes the status of a goal.
type UpdateStatusTool struct {
	goalStore
	schema json.RawMessage
}

// UpdateStatusInput is the input for the update_goal_status tool.
type UpdateStatusInput struct {
	GoalID string `json:"goal_id" jsonschema:"required,description=Goal UUID to update"`
	Status string `json:"status" jsonschema:"required,enum=in_progress,enum=completed,enum=cancelled,enum=blocked,description=New status for the goal"`
}

// NewUpdateStatusTool creates a new update_goal_status tool.
func NewUpdateStatusTool(store storage.GoalStore) *UpdateStatusTool {
	return &UpdateStatusTool{goalStore: goalStore{store: store}, schema: schemaFor[UpdateStatusInput]()}
}

func (t *UpdateStatusTool) Name() string { return "update_goal_status" }

func (t *UpdateStatusTool) Description() string {
	return "Update the status of a goal (in_progress, completed, cancelled, blocked)"
}

func (t *UpdateStatusTool) Schema() json.RawMessage { return t.schema }

// Execute sets the new status.
func (t *UpdateStatusTool) Execute(ctx context.Context, execCtx agent.ExecContext, params json.RawMessage) (json.RawMessage, error) {
	var input UpdateStatusInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	goalID, res := parseID("goal_id", input.GoalID)
	if res != nil {
		return res, nil
	}
	status := models.GoalStatus(input.Status)
	if !status.Valid() {
		return errorResult("Invalid input: unknown status " + input.Status), nil
	}

	goal, err := t.owned(ctx, execCtx, goalID)
	if err != nil {
		return nil, err
	}
	if goal == nil {
		return notFound(input.GoalID), nil
	}

	goal.Status = status
	if err := t.store.Update(ctx, goal); err != nil {
		return nil, fmt.Errorf("update goal: %w", err)
	}

	return encode(map[string]any{
		"success":    true,
		"goal_id":    goal.ID,
		"title":      goal.Title,
		"status":     goal.Status,
		"updated_at": timestamp(goal.UpdatedAt),
	}), nil
}

// UpdateTool changes the title and/or description of a goal.
type UpdateTool struct {
	goalStore
	schema json.RawMessage
}

// UpdateInput is the input for the update_goal tool.
type UpdateInput struct {
	GoalID      string `json:"goal_id" jsonschema:"required,description=Goal UUID to update"`
	Title       string `json:"title,omitempty" jsonschema:"maxLength=500,description=New goal title (optional)"`
	Description string `json:"description,omitempty" jsonschema:"description=New goal description (optional)"`
}

// NewUpdateTool creates a new update_goal tool.
func NewUpdateTool(store storage.GoalStore) *UpdateTool {
	return &UpdateTool{goalStore: goalStore{store: store}, schema: schemaFor[UpdateInput]()}
}

func (t *UpdateTool) Name() string { return "update_goal" }

func (t *UpdateTool) Description() string {
	return "Update goal title and/or description"
}

func (t *UpdateTool) Schema() json.RawMessage { return t.schema }

// Execute applies whichever of title and description is set.
func (t *UpdateTool) Execute(ctx context.Context, execCtx agent.ExecContext, params json.RawMessage) (json.RawMessage, error) {
	var input UpdateInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" && input.Description == "" {
		return errorResult("Either title or description must be provided"), nil
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

	if title != "" {
		goal.Title = title
	}
	if input.Description != "" {
		goal.Description = input.Description
	}
	if err := t.store.Update(ctx, goal); err != nil {
		return nil, fmt.Errorf("update goal: %w", err)
	}

	return encode(map[string]any{
		"success":     true,
		"goal_id":     goal.ID,
		"title":       goal.Title,
		"description": goal.Description,
		"updated_at":  timestamp(goal.UpdatedAt),
	}), nil
}
