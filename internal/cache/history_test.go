package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/pkg/models"
)

type failingCache struct {
	getErr, setErr, appendErr error
	sets, appends             int
}

func (f *failingCache) Get(ctx context.Context, id string) ([]*models.Message, bool, error) {
	return nil, false, f.getErr
}

func (f *failingCache) Set(ctx context.Context, id string, msgs []*models.Message) error {
	f.sets++
	return f.setErr
}

func (f *failingCache) Append(ctx context.Context, msg *models.Message) error {
	f.appends++
	return f.appendErr
}

func (f *failingCache) Clear(ctx context.Context, id string) error { return nil }
func (f *failingCache) Close() error                               { return nil }

func seedStore(t *testing.T, n int) *sessions.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	conv := &models.Conversation{ID: "c1", OwnerID: "u1", Title: "t"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	for _, msg := range testMessages("c1", 1, n) {
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	return store
}

func TestHistory_MissPopulatesCache(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, 5)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	c := NewMemoryHistoryCache(MemoryOptions{MaxMessages: 3})
	history := NewHistory(HistoryConfig{Cache: c, Store: store, Limit: 3, Metrics: metrics})

	got, err := history.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertIDs(t, got, []string{"m3", "m4", "m5"})

	cached, ok, _ := c.Get(ctx, "c1")
	if !ok {
		t.Fatal("Load() did not populate the cache")
	}
	assertIDs(t, cached, []string{"m3", "m4", "m5"})

	if _, err := history.Load(ctx, "c1"); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if hits := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit")); hits != 1 {
		t.Errorf("hits = %v, want 1", hits)
	}
	if misses := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss")); misses != 1 {
		t.Errorf("misses = %v, want 1", misses)
	}
}

func TestHistory_EmptyConversation(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, 0)
	c := NewMemoryHistoryCache(MemoryOptions{})
	history := NewHistory(HistoryConfig{Cache: c, Store: store})

	got, err := history.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("Load() = %v, want empty slice", got)
	}

	user := testMessage("c1", 1)
	assistant := testMessage("c1", 2)
	assistant.Role = models.RoleAssistant
	history.Record(ctx, user, assistant)

	cached, ok, _ := c.Get(ctx, "c1")
	if !ok {
		t.Fatal("cache miss after Record()")
	}
	assertIDs(t, cached, []string{"m1", "m2"})
}

func TestHistory_BoundedAppendEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, 50)
	c := NewMemoryHistoryCache(MemoryOptions{MaxMessages: 50})
	history := NewHistory(HistoryConfig{Cache: c, Store: store, Limit: 50})

	if _, err := history.Load(ctx, "c1"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	history.Record(ctx, testMessage("c1", 51), testMessage("c1", 52))

	got, _, _ := c.Get(ctx, "c1")
	if len(got) != 50 {
		t.Fatalf("cache holds %d messages, want 50", len(got))
	}
	want := ids(testMessages("c1", 3, 52))
	assertIDs(t, got, want)
}

func TestHistory_CacheFailuresFallBack(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, 2)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	broken := &failingCache{
		getErr:    errors.New("connection refused"),
		setErr:    errors.New("connection refused"),
		appendErr: errors.New("connection refused"),
	}
	history := NewHistory(HistoryConfig{Cache: broken, Store: store, Metrics: metrics})

	got, err := history.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v, want store fallback", err)
	}
	assertIDs(t, got, []string{"m1", "m2"})

	history.Record(ctx, testMessage("c1", 3))
	if broken.sets != 1 || broken.appends != 1 {
		t.Fatalf("sets = %d appends = %d, want 1 each", broken.sets, broken.appends)
	}
	if v := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("error")); v != 1 {
		t.Errorf("error lookups = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.CacheWriteErrors.WithLabelValues("set")); v != 1 {
		t.Errorf("set failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.CacheWriteErrors.WithLabelValues("append")); v != 1 {
		t.Errorf("append failures = %v, want 1", v)
	}
}

func TestHistory_StoreErrorSurfaces(t *testing.T) {
	history := NewHistory(HistoryConfig{Cache: NewMemoryHistoryCache(MemoryOptions{}), Store: sessions.NewMemoryStore()})
	if _, err := history.Load(context.Background(), "missing"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}
