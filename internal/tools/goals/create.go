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

// CreateTool creates a goal, optionally as a sub-goal.
type CreateTool struct {
	goalStore
	schema json.RawMessage
}

// CreateInput is the input for the create_goal tool.
type CreateInput struct {
	Title       string `json:"title" jsonschema:"required,maxLength=500,description=Goal title (max 500 characters)"`
	Description string `json:"description,omitempty" jsonschema:"description=Detailed goal description (optional)"`
	ParentID    string `json:"parent_id,omitempty" jsonschema:"description=Parent goal UUID to create a sub-goal (optional)"`
}

// NewCreateTool creates a new create_goal tool.
func NewCreateTool(store storage.GoalStore) *CreateTool {
	return &CreateTool{goalStore: goalStore{store: store}, schema: schemaFor[CreateInput]()}
}

func (t *CreateTool) Name() string { return "create_goal" }

func (t *CreateTool) Description() string {
	return "Create a new goal for the user. Goals help track objectives and tasks."
}

func (t *CreateTool) Schema() json.RawMessage { return t.schema }

// Execute creates the goal in the calling conversation.
func (t *CreateTool) Execute(ctx context.Context, execCtx agent.ExecContext, params json.RawMessage) (json.RawMessage, error) {
	if res, ok := requireConversation(execCtx); !ok {
		return res, nil
	}

	var input CreateInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return errorResult("title is required"), nil
	}

	goal := &models.Goal{
		ConversationID: execCtx.ConversationID,
		Title:          title,
		Description:    input.Description,
		Status:         models.GoalInProgress,
	}

	if input.ParentID != "" {
		parentID, res := parseID("parent_id", input.ParentID)
		if res != nil {
			return res, nil
		}
		parent, err := t.owned(ctx, execCtx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return errorResult("Parent goal not found: " + input.ParentID), nil
		}
		goal.ParentID = parent.ID
	}

	if err := t.store.Create(ctx, goal); err != nil {
		return nil, fmt.Errorf("create goal: %w", err)
	}

	return encode(map[string]any{
		"success":    true,
		"goal_id":    goal.ID,
		"title":      goal.Title,
		"status":     goal.Status,
		"parent_id":  optionalID(goal.ParentID),
		"created_at": timestamp(goal.CreatedAt),
	}), nil
}
