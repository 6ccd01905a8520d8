package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/goalchat/internal/observability"
)

// Conn is a registered client connection.
type Conn interface {
	ID() string
	Send(frame Frame) error
}

// Registry tracks live connections per conversation. Every method takes the
// same mutex; sends happen outside it over a snapshot.
type Registry struct {
	mu            sync.Mutex
	conversations map[string]map[string]Conn
	owners        map[string]string

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. logger and metrics may be nil.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conversations: make(map[string]map[string]Conn),
		owners:        make(map[string]string),
		logger:        logger.With("component", "registry"),
		metrics:       metrics,
	}
}

// Register adds conn to the conversation's set and records its owner.
// Registering the same connection twice is a no-op.
func (r *Registry) Register(conn Conn, conversationID, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conversations[conversationID]
	if !ok {
		set = make(map[string]Conn)
		r.conversations[conversationID] = set
	}
	if _, exists := set[conn.ID()]; exists {
		return
	}
	set[conn.ID()] = conn
	r.owners[conn.ID()] = ownerID
	r.metrics.ConnectionsChanged(1)
}

// Unregister removes conn and drops the conversation entry once empty.
func (r *Registry) Unregister(conn Conn, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(conn.ID(), conversationID)
}

func (r *Registry) unregisterLocked(connID, conversationID string) {
	set, ok := r.conversations[conversationID]
	if !ok {
		return
	}
	if _, exists := set[connID]; !exists {
		return
	}
	delete(set, connID)
	delete(r.owners, connID)
	if len(set) == 0 {
		delete(r.conversations, conversationID)
	}
	r.metrics.ConnectionsChanged(-1)
}

// Broadcast sends frame to every connection of the conversation and returns
// how many deliveries succeeded. Connections that fail are unregistered.
func (r *Registry) Broadcast(ctx context.Context, conversationID string, frame Frame) int {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.conversations[conversationID]))
	for _, conn := range r.conversations[conversationID] {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	delivered := 0
	var failed []string
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			r.logger.WarnContext(ctx, "broadcast delivery failed",
				"conversation_id", conversationID,
				"connection_id", conn.ID(),
				"error", err)
			failed = append(failed, conn.ID())
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, id := range failed {
			r.unregisterLocked(id, conversationID)
		}
		r.mu.Unlock()
	}
	return delivered
}

// OwnerOf returns the owner recorded for conn.
func (r *Registry) OwnerOf(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[conn.ID()]
	return owner, ok
}

// Count returns the number of connections for a conversation.
func (r *Registry) Count(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations[conversationID])
}

// Conversations returns the number of conversations with live connections.
func (r *Registry) Conversations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations)
}
