package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	if conv.OwnerID == "" {
		return errors.New("conversation owner is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *conv
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.conversations[clone.ID]; exists {
		return errors.New("conversation already exists")
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	// Reflect generated fields back to caller.
	conv.ID = clone.ID
	conv.CreatedAt = clone.CreatedAt
	conv.UpdatedAt = clone.UpdatedAt
	m.conversations[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, conv := range m.conversations {
		if conv.OwnerID != ownerID {
			continue
		}
		delete(m.conversations, id)
		delete(m.messages, id)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.Conversation{}
	for _, conv := range m.conversations {
		if conv.OwnerID == ownerID {
			clone := *conv
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) HasAccess(ctx context.Context, ownerID, conversationID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	return checkAccess(conv, ownerID)
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	clone := msg.Clone()

	// Ordered by CreatedAt with equal timestamps kept in insertion order,
	// matching ORDER BY created_at, seq in SQL.
	list := m.messages[msg.ConversationID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(clone.CreatedAt)
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = clone
	m.messages[msg.ConversationID] = list

	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	list := m.messages[conversationID]
	start := 0
	if limit > 0 && len(list) > limit {
		start = len(list) - limit
	}
	out := make([]*models.Message, 0, len(list)-start)
	for _, msg := range list[start:] {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetAll(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return m.GetHistory(ctx, conversationID, 0)
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
