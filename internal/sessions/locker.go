package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// Locker serializes work on one conversation.
type Locker interface {
	Lock(ctx context.Context, conversationID string) error
	Unlock(conversationID string)
}

// LocalLocker is an in-process Locker. Waiters give up when their context
// ends or, if set, after the acquire timeout.
//
// Thread Safety:
// LocalLocker is safe for concurrent use.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	held chan struct{}
	// refs counts the holder plus every waiter; the entry is dropped at zero.
	refs int
}

// NewLocalLocker creates a LocalLocker. A zero timeout waits as long as the
// caller's context allows.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{
		timeout: timeout,
		locks:   make(map[string]*conversationLock),
	}
}

// Lock blocks until the conversation is free.
func (l *LocalLocker) Lock(ctx context.Context, conversationID string) error {
	if l == nil {
		return errors.New("session locker unavailable")
	}
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("conversation_id is required")
	}

	l.mu.Lock()
	lock, ok := l.locks[conversationID]
	if !ok {
		lock = &conversationLock{held: make(chan struct{}, 1)}
		l.locks[conversationID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case lock.held <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		l.release(conversationID, lock)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
}

// Unlock releases the conversation. Unlocking a free conversation is a no-op.
func (l *LocalLocker) Unlock(conversationID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	lock, ok := l.locks[conversationID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-lock.held:
		l.release(conversationID, lock)
	default:
	}
}

func (l *LocalLocker) release(conversationID string, lock *conversationLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs <= 0 && l.locks[conversationID] == lock {
		delete(l.locks, conversationID)
	}
}

// tracked reports how many conversations have a holder or waiter.
func (l *LocalLocker) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
