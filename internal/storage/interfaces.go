package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// UserStore persists conversation owners, including the throwaway owners
// created for demo sessions.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	// CreateEphemeral creates an owner flagged for deletion when its session ends.
	CreateEphemeral(ctx context.Context, name string) (*models.User, error)
	Get(ctx context.Context, id string) (*models.User, error)
	// Delete removes the owner and cascades to its conversations, messages
	// and goals. Deleting a missing owner returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	ListEphemeralBefore(ctx context.Context, cutoff time.Time) ([]*models.User, error)
}

// GoalFilter narrows GoalStore.List.
type GoalFilter struct {
	// Status filters by status when set.
	Status models.GoalStatus
	// RootsOnly drops sub-goals.
	RootsOnly bool
}

// GoalStore persists goals scoped to a conversation.
type GoalStore interface {
	Create(ctx context.Context, goal *models.Goal) error
	Get(ctx context.Context, id string) (*models.Goal, error)
	List(ctx context.Context, conversationID string, filter GoalFilter) ([]*models.Goal, error)
	Update(ctx context.Context, goal *models.Goal) error
	// Delete removes the goal and every sub-goal beneath it.
	Delete(ctx context.Context, id string) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Conversations sessions.Store
	Users         UserStore
	Goals         GoalStore
	closer        func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
