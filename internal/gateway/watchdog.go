package gateway

import (
	"context"
	"sync"
	"time"
)

// WatchdogPolicy decides when a session has outlived its welcome.
type WatchdogPolicy struct {
	// Interval between checks.
	Interval time.Duration
	// Expired reports whether the session should be closed at now.
	Expired func(s *Session, now time.Time) bool
	// Reason is sent with the normal close frame.
	Reason string
}

// IdlePolicy closes a session once no frame has been handled for longer
// than timeout.
func IdlePolicy(timeout, interval time.Duration) WatchdogPolicy {
	return WatchdogPolicy{
		Interval: interval,
		Reason:   ReasonIdleTimeout,
		Expired: func(s *Session, now time.Time) bool {
			return now.Sub(s.LastActivity()) > timeout
		},
	}
}

// LifetimePolicy closes a session once it has been open for lifetime.
func LifetimePolicy(lifetime, interval time.Duration) WatchdogPolicy {
	return WatchdogPolicy{
		Interval: interval,
		Reason:   ReasonSessionExpired,
		Expired: func(s *Session, now time.Time) bool {
			return now.Sub(s.StartedAt()) >= lifetime
		},
	}
}

// watchdog runs a policy on its own goroutine until it fires or is stopped.
type watchdog struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startWatchdog(ctx context.Context, s *Session, policy WatchdogPolicy) *watchdog {
	ctx, cancel := context.WithCancel(ctx)
	w := &watchdog{cancel: cancel, done: make(chan struct{})}

	interval := policy.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if policy.Expired == nil || !policy.Expired(s, s.now()) {
					continue
				}
				s.logger.InfoContext(ctx, "watchdog closing session", "reason", policy.Reason)
				s.Close(CloseNormal, policy.Reason)
				return
			}
		}
	}()
	return w
}

// stop cancels the watchdog and waits for its goroutine to exit. Safe to
// call more than once and from any goroutine but the watchdog's own.
func (w *watchdog) stop() {
	if w == nil {
		return
	}
	w.once.Do(w.cancel)
	<-w.done
}
