package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/goalchat/pkg/models"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrForbidden is returned when an owner asks for a conversation it does not own.
	ErrForbidden = errors.New("access denied")

	// ErrInvalidMessage wraps every message validation failure.
	ErrInvalidMessage = errors.New("invalid message")
)

// Store is the durable record of conversations and their messages.
type Store interface {
	// Conversation CRUD
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// DeleteByOwner removes every conversation owned by ownerID along with
	// its messages and returns how many conversations were removed.
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Conversation, error)

	// HasAccess returns nil when ownerID owns the conversation, ErrNotFound
	// when it does not exist and ErrForbidden otherwise.
	HasAccess(ctx context.Context, ownerID, conversationID string) error

	// Message history
	AppendMessage(ctx context.Context, msg *models.Message) error
	// GetHistory returns the most recent limit messages in chronological
	// order. A limit <= 0 returns everything.
	GetHistory(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	GetAll(ctx context.Context, conversationID string) ([]*models.Message, error)

	Close() error
}

// ValidateMessage checks the invariants every stored message must satisfy.
func ValidateMessage(msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is required", ErrInvalidMessage)
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: message ID is required", ErrInvalidMessage)
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("%w: conversation ID is required", ErrInvalidMessage)
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		// Only assistant messages carrying tool data may omit text.
		if msg.Role != models.RoleAssistant || !msg.HasToolData() {
			return fmt.Errorf("%w: content is required", ErrInvalidMessage)
		}
	}
	if msg.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidMessage)
	}
	return nil
}

func checkAccess(conv *models.Conversation, ownerID string) error {
	if conv.OwnerID != ownerID {
		return ErrForbidden
	}
	return nil
}
