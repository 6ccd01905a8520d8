package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// MemoryGoalStore provides an in-memory GoalStore.
type MemoryGoalStore struct {
	mu    sync.RWMutex
	goals map[string]*models.Goal
}

// NewMemoryGoalStore creates an in-memory goal store.
func NewMemoryGoalStore() *MemoryGoalStore {
	return &MemoryGoalStore{goals: make(map[string]*models.Goal)}
}

func (s *MemoryGoalStore) Create(ctx context.Context, goal *models.Goal) error {
	if goal == nil || goal.ConversationID == "" {
		return fmt.Errorf("goal is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if _, exists := s.goals[goal.ID]; exists {
		return ErrAlreadyExists
	}
	if goal.Status == "" {
		goal.Status = models.GoalInProgress
	}
	now := time.Now()
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = now
	}
	goal.UpdatedAt = goal.CreatedAt
	clone := *goal
	s.goals[goal.ID] = &clone
	return nil
}

func (s *MemoryGoalStore) Get(ctx context.Context, id string) (*models.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goal, ok := s.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *goal
	return &clone, nil
}

func (s *MemoryGoalStore) List(ctx context.Context, conversationID string, filter GoalFilter) ([]*models.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Goal{}
	for _, goal := range s.goals {
		if goal.ConversationID != conversationID {
			continue
		}
		if filter.Status != "" && goal.Status != filter.Status {
			continue
		}
		if filter.RootsOnly && goal.ParentID != "" {
			continue
		}
		clone := *goal
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryGoalStore) Update(ctx context.Context, goal *models.Goal) error {
	if goal == nil {
		return fmt.Errorf("goal is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.goals[goal.ID]
	if !ok {
		return ErrNotFound
	}
	goal.ConversationID = existing.ConversationID
	goal.CreatedAt = existing.CreatedAt
	goal.UpdatedAt = time.Now()
	clone := *goal
	s.goals[goal.ID] = &clone
	return nil
}

func (s *MemoryGoalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[id]; !ok {
		return ErrNotFound
	}
	s.deleteTreeLocked(id)
	return nil
}

func (s *MemoryGoalStore) deleteTreeLocked(id string) {
	delete(s.goals, id)
	for childID, goal := range s.goals {
		if goal.ParentID == id {
			s.deleteTreeLocked(childID)
		}
	}
}

// deleteConversation drops every goal of a conversation, mirroring the
// foreign key cascade in SQL.
func (s *MemoryGoalStore) deleteConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, goal := range s.goals {
		if goal.ConversationID == conversationID {
			delete(s.goals, id)
		}
	}
}

// MemoryUserStore provides an in-memory UserStore. Deleting a user cascades
// through the conversation and goal stores it was built with.
type MemoryUserStore struct {
	mu            sync.RWMutex
	users         map[string]*models.User
	conversations sessions.Store
	goals         *MemoryGoalStore
	now           func() time.Time
}

// NewMemoryUserStore creates an in-memory user store. conversations and
// goals may be nil when no cascade is needed.
func NewMemoryUserStore(conversations sessions.Store, goals *MemoryGoalStore) *MemoryUserStore {
	return &MemoryUserStore{
		users:         make(map[string]*models.User),
		conversations: conversations,
		goals:         goals,
		now:           time.Now,
	}
}

func (s *MemoryUserStore) Create(ctx context.Context, user *models.User) error {
	if user == nil {
		return fmt.Errorf("user is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, exists := s.users[user.ID]; exists {
		return ErrAlreadyExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	user.UpdatedAt = user.CreatedAt
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

func (s *MemoryUserStore) CreateEphemeral(ctx context.Context, name string) (*models.User, error) {
	id := uuid.NewString()
	user := &models.User{
		ID:         id,
		ExternalID: ephemeralExternalID(id),
		Name:       name,
		Ephemeral:  true,
	}
	if err := s.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *MemoryUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *MemoryUserStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.users[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.users, id)
	s.mu.Unlock()

	if s.conversations == nil {
		return nil
	}
	if s.goals != nil {
		convs, err := s.conversations.ListByOwner(ctx, id)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, conv := range convs {
			s.goals.deleteConversation(conv.ID)
		}
	}
	if _, err := s.conversations.DeleteByOwner(ctx, id); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	return nil
}

func (s *MemoryUserStore) ListEphemeralBefore(ctx context.Context, cutoff time.Time) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.User{}
	for _, user := range s.users {
		if user.Ephemeral && user.CreatedAt.Before(cutoff) {
			clone := *user
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// NewMemoryStores constructs a StoreSet backed by memory.
func NewMemoryStores() StoreSet {
	conversations := sessions.NewMemoryStore()
	goals := NewMemoryGoalStore()
	return StoreSet{
		Conversations: conversations,
		Users:         NewMemoryUserStore(conversations, goals),
		Goals:         goals,
		closer:        conversations.Close,
	}
}

func ephemeralExternalID(id string) string {
	return "demo_" + id
}
