package goals

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/storage"
)

// LinkTool moves a goal under a parent, or detaches it.
type LinkTool struct {
	goalStore
	schema json.RawMessage
}

// LinkInput is the input for the link_goal tool.
type LinkInput struct {
	GoalID   string `json:"goal_id" jsonschema:"required,description=Goal UUID to link"`
	ParentID string `json:"parent_id,omitempty" jsonschema:"description=Parent goal UUID (empty to make independent)"`
}

// NewLinkTool creates a new link_goal tool.
func NewLinkTool(store storage.GoalStore) *LinkTool {
	return &LinkTool{goalStore: goalStore{store: store}, schema: schemaFor[LinkInput]()}
}

func (t *LinkTool) Name() string { return "link_goal" }

func (t *LinkTool) Description() string {
	return "Link a goal to a parent goal or make it independent"
}

func (t *LinkTool) Schema() json.RawMessage { return t.schema }

// Execute sets or clears the parent. Links that would create a cycle are
// rejected.
func (t *LinkTool) Execute(ctx context.Context, execCtx agent.ExecContext, params json.RawMessage) (json.RawMessage, error) {
	var input LinkInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	goalID, res := parseID("goal_id", input.GoalID)
	if res != nil {
		return res, nil
	}

	parentID := ""
	if input.ParentID != "" {
		parentID, res = parseID("parent_id", input.ParentID)
		if res != nil {
			return res, nil
		}
	}

	goal, err := t.owned(ctx, execCtx, goalID)
	if err != nil {
		return nil, err
	}
	if goal == nil {
		return notFound(input.GoalID), nil
	}

	if parentID != "" {
		cycle, missing, err := t.wouldCycle(ctx, execCtx, goal.ID, parentID)
		if err != nil {
			return nil, err
		}
		if missing {
			return errorResult("Parent goal not found: " + input.ParentID), nil
		}
		if cycle {
			return errorResult("Cannot link a goal to itself or one of its sub-goals"), nil
		}
	}

	goal.ParentID = parentID
	if err := t.store.Update(ctx, goal); err != nil {
		return nil, fmt.Errorf("update goal: %w", err)
	}

	message := "Goal is now independent"
	if parentID != "" {
		message = "Goal linked successfully"
	}
	return encode(map[string]any{
		"success":   true,
		"goal_id":   goal.ID,
		"title":     goal.Title,
		"parent_id": optionalID(goal.ParentID),
		"message":   message,
	}), nil
}

// wouldCycle walks up from parentID and reports whether goalID is reached.
func (t *LinkTool) wouldCycle(ctx context.Context, execCtx agent.ExecContext, goalID, parentID string) (cycle, missing bool, err error) {
	seen := map[string]bool{}
	current := parentID
	for current != "" {
		if current == goalID {
			return true, false, nil
		}
		if seen[current] {
			return true, false, nil
		}
		seen[current] = true

		ancestor, err := t.owned(ctx, execCtx, current)
		if err != nil {
			return false, false, err
		}
		if ancestor == nil {
			// Only the direct parent must exist; a dangling ancestor ends the walk.
			return false, current == parentID, nil
		}
		current = ancestor.ParentID
	}
	return false, false, nil
}
