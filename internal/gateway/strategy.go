package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/goalchat/internal/cache"
	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/internal/storage"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// Session kinds, used as metric and log labels.
const (
	KindAuthenticated = "authenticated"
	KindEphemeral     = "ephemeral"
)

// DemoUserName names the throwaway owner of a demo session.
const DemoUserName = "Demo User"

// Binding is the owner and conversation a session serves.
type Binding struct {
	ConversationID string
	OwnerID        string
}

// SessionStrategy is the variant-specific part of a session.
type SessionStrategy interface {
	Kind() string
	// Setup resolves the binding. Returning an *AccessDeniedError closes the
	// connection with a policy violation.
	Setup(ctx context.Context) (Binding, error)
	// Cleanup releases whatever Setup created. It runs once per session.
	Cleanup(ctx context.Context, binding Binding)
	Watchdog() WatchdogPolicy
	// SendHistory reports whether the loaded history is pushed to the
	// client once setup completes.
	SendHistory() bool
}

// AccessDeniedError ends setup with a policy-violation close.
type AccessDeniedError struct {
	Reason string
	Err    error
}

func (e *AccessDeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("access denied: %s: %v", e.Reason, e.Err)
	}
	return "access denied: " + e.Reason
}

func (e *AccessDeniedError) Unwrap() error {
	return e.Err
}

// authenticatedStrategy serves an existing conversation to its owner.
type authenticatedStrategy struct {
	conversationID string
	owner          *models.User
	authErr        error
	conversations  sessions.Store
	policy         WatchdogPolicy
}

func (a *authenticatedStrategy) Kind() string { return KindAuthenticated }

func (a *authenticatedStrategy) Setup(ctx context.Context) (Binding, error) {
	if a.authErr != nil || a.owner == nil {
		return Binding{}, &AccessDeniedError{Reason: "Authentication failed", Err: a.authErr}
	}
	err := a.conversations.HasAccess(ctx, a.owner.ID, a.conversationID)
	switch {
	case err == nil:
		return Binding{ConversationID: a.conversationID, OwnerID: a.owner.ID}, nil
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, sessions.ErrForbidden):
		return Binding{}, &AccessDeniedError{Reason: err.Error(), Err: err}
	default:
		return Binding{}, fmt.Errorf("check access: %w", err)
	}
}

func (a *authenticatedStrategy) Cleanup(context.Context, Binding) {}

func (a *authenticatedStrategy) Watchdog() WatchdogPolicy { return a.policy }

func (a *authenticatedStrategy) SendHistory() bool { return true }

// ephemeralStrategy creates a throwaway owner and conversation and deletes
// both, with everything hanging off them, when the session ends.
type ephemeralStrategy struct {
	users         storage.UserStore
	conversations sessions.Store
	history       *cache.History
	title         string
	policy        WatchdogPolicy
	logger        *slog.Logger

	cleanupOnce sync.Once
}

func (e *ephemeralStrategy) Kind() string { return KindEphemeral }

func (e *ephemeralStrategy) Setup(ctx context.Context) (Binding, error) {
	user, err := e.users.CreateEphemeral(ctx, DemoUserName)
	if err != nil {
		return Binding{}, fmt.Errorf("create demo user: %w", err)
	}
	conv := &models.Conversation{OwnerID: user.ID, Title: e.title}
	if err := e.conversations.CreateConversation(ctx, conv); err != nil {
		if delErr := e.users.Delete(ctx, user.ID); delErr != nil {
			e.logger.WarnContext(ctx, "failed to remove demo user after setup error",
				"owner_id", user.ID, "error", delErr)
		}
		return Binding{}, fmt.Errorf("create demo conversation: %w", err)
	}
	return Binding{ConversationID: conv.ID, OwnerID: user.ID}, nil
}

func (e *ephemeralStrategy) Cleanup(ctx context.Context, binding Binding) {
	e.cleanupOnce.Do(func() {
		if binding.OwnerID == "" {
			return
		}
		if binding.ConversationID != "" && e.history != nil {
			e.history.Forget(ctx, binding.ConversationID)
		}
		if err := e.users.Delete(ctx, binding.OwnerID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.ErrorContext(ctx, "failed to delete demo user", "owner_id", binding.OwnerID, "error", err)
			return
		}
		e.logger.InfoContext(ctx, "demo session data deleted", "owner_id", binding.OwnerID)
	})
}

func (e *ephemeralStrategy) Watchdog() WatchdogPolicy { return e.policy }

func (e *ephemeralStrategy) SendHistory() bool { return false }
