package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/cache"
	"github.com/haasonsaas/goalchat/internal/storage"
	"github.com/haasonsaas/goalchat/pkg/models"
)

const waitTimeout = 2 * time.Second

// fakeTransport is an in-memory Transport. Tests push inbound frames with
// push and read what the session wrote with next.
type fakeTransport struct {
	inbound chan []byte
	sent    chan []byte
	hangup  chan struct{}
	closed  chan struct{}

	mu          sync.Mutex
	closeCalls  int
	closeCode   int
	closeReason string
	hangupOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		sent:    make(chan []byte, 64),
		hangup:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-f.inbound:
		return raw, nil
	case <-f.hangup:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	f.sent <- data
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closeCalls == 1 {
		f.closeCode = code
		f.closeReason = reason
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) push(raw string) {
	f.inbound <- []byte(raw)
}

// clientClose simulates the peer closing the socket.
func (f *fakeTransport) clientClose() {
	f.hangupOnce.Do(func() { close(f.hangup) })
}

func (f *fakeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case raw := <-f.sent:
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("invalid frame %s: %v", raw, err)
		}
		return frame
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (f *fakeTransport) waitClosed(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for close")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type responderFunc func(ctx context.Context, req agent.AgentRequest) agent.AgentResponse

func (f responderFunc) Process(ctx context.Context, req agent.AgentRequest) agent.AgentResponse {
	return f(ctx, req)
}

func replyWith(text string) Responder {
	return responderFunc(func(context.Context, agent.AgentRequest) agent.AgentResponse {
		return agent.AgentResponse{Content: text}
	})
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingUsers counts Delete calls on top of a real store.
type countingUsers struct {
	storage.UserStore
	mu      sync.Mutex
	deletes int
}

func (c *countingUsers) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.UserStore.Delete(ctx, id)
}

func (c *countingUsers) deleteCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}

// failingStore fails AppendMessage after the first ok calls.
type failingStore struct {
	MessageStore
	mu sync.Mutex
	ok int
}

func (f *failingStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ok <= 0 {
		return errors.New("database unavailable")
	}
	f.ok--
	return f.MessageStore.AppendMessage(ctx, msg)
}

type testEnv struct {
	stores   storage.StoreSet
	history  *cache.History
	pipeline *Pipeline
	registry *Registry
}

func newTestEnv(t *testing.T, responder Responder) *testEnv {
	t.Helper()
	stores := storage.NewMemoryStores()
	t.Cleanup(func() { _ = stores.Close() })
	history := cache.NewHistory(cache.HistoryConfig{
		Cache: cache.NewMemoryHistoryCache(cache.MemoryOptions{MaxMessages: 50}),
		Store: stores.Conversations,
		Limit: 50,
	})
	pipeline, err := NewPipeline(PipelineConfig{
		Store:     stores.Conversations,
		History:   history,
		Responder: responder,
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return &testEnv{
		stores:   stores,
		history:  history,
		pipeline: pipeline,
		registry: NewRegistry(nil, nil),
	}
}

func (e *testEnv) createConversation(t *testing.T, ownerID string) *models.Conversation {
	t.Helper()
	if err := e.stores.Users.Create(context.Background(), &models.User{ID: ownerID, Name: ownerID}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	conv := &models.Conversation{OwnerID: ownerID, Title: "Goals"}
	if err := e.stores.Conversations.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func (e *testEnv) demoStrategy(users storage.UserStore, policy WatchdogPolicy) *ephemeralStrategy {
	if users == nil {
		users = e.stores.Users
	}
	return &ephemeralStrategy{
		users:         users,
		conversations: e.stores.Conversations,
		history:       e.history,
		title:         "Demo Chat",
		policy:        policy,
		logger:        discardLogger(),
	}
}

// start runs a session in the background and returns a channel with its result.
func (e *testEnv) start(strategy SessionStrategy, transport Transport, now func() time.Time) (*Session, <-chan error) {
	session := NewSession(SessionConfig{
		Strategy:  strategy,
		Transport: transport,
		Pipeline:  e.pipeline,
		Registry:  e.registry,
		Logger:    discardLogger(),
		Now:       now,
	})
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()
	return session, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
		return nil
	}
}

// quietPolicy never fires within a test.
func quietPolicy() WatchdogPolicy {
	return IdlePolicy(time.Hour, time.Hour)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
