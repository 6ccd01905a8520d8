package models

import "time"

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalCancelled  GoalStatus = "cancelled"
	GoalBlocked    GoalStatus = "blocked"
)

// GoalStatuses lists every valid status in display order.
var GoalStatuses = []GoalStatus{GoalInProgress, GoalCompleted, GoalCancelled, GoalBlocked}

// Valid reports whether s is a known status.
func (s GoalStatus) Valid() bool {
	for _, status := range GoalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Goal is a user objective tracked inside a conversation. Goals form a tree
// through ParentID; deleting a goal deletes its sub-goals.
type Goal struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         GoalStatus `json:"status"`
	ParentID       string     `json:"parent_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
