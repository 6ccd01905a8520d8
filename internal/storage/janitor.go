package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/goalchat/internal/observability"
)

var janitorParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Janitor deletes ephemeral owners that outlived their demo session, for
// example after a crash skipped the session's own cleanup.
type Janitor struct {
	users    UserStore
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// JanitorOption configures the janitor.
type JanitorOption func(*Janitor)

// WithJanitorLogger sets the logger.
func WithJanitorLogger(logger *slog.Logger) JanitorOption {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithJanitorMetrics records swept owners.
func WithJanitorMetrics(metrics *observability.Metrics) JanitorOption {
	return func(j *Janitor) {
		j.metrics = metrics
	}
}

// WithJanitorClock overrides time.Now.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// NewJanitor validates the schedule and returns a stopped janitor.
func NewJanitor(users UserStore, schedule string, maxAge time.Duration, opts ...JanitorOption) (*Janitor, error) {
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive, got %s", maxAge)
	}
	parsed, err := janitorParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	j := &Janitor{
		users:    users,
		schedule: parsed,
		spec:     schedule,
		maxAge:   maxAge,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "janitor")
	return j, nil
}

// Sweep deletes every ephemeral owner created more than maxAge ago and
// returns how many were removed. Owners already gone are not counted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.maxAge)
	stale, err := j.users.ListEphemeralBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale owners: %w", err)
	}

	deleted := 0
	var errs []error
	for _, user := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := j.users.Delete(ctx, user.ID)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("delete owner %s: %w", user.ID, err))
		}
	}
	j.metrics.OwnersSwept(deleted)
	return deleted, errors.Join(errs...)
}

// Start schedules Sweep. Calling Start twice is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.cron = cron.New(cron.WithParser(janitorParser))
	j.cron.Schedule(j.schedule, cron.FuncJob(func() {
		n, err := j.Sweep(ctx)
		if err != nil {
			j.logger.Warn("sweep failed", "error", err, "deleted", n)
			return
		}
		if n > 0 {
			j.logger.Info("swept stale demo owners", "deleted", n)
		}
	}))
	j.cron.Start()
	j.running = true
	j.logger.Info("janitor started", "schedule", j.spec, "max_age", j.maxAge)
}

// Stop halts scheduling and waits for a running sweep or ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	c := j.cron
	j.running = false
	j.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
