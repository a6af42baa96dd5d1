package reconnect

import (
	"context"
	"log"
	"time"
)

const (
	// DefaultMaxAttempts bounds a reconnection loop unless the caller
	// overrides it.
	DefaultMaxAttempts = 10

	defaultPollInterval = 100 * time.Millisecond
)

// Backoff returns the delay before the given zero-based attempt. The
// schedule is fixed: 500ms, 1s, 2s, 3s, then 5s for every further
// attempt.
func Backoff(attempt int) time.Duration {
	schedule := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		3000 * time.Millisecond,
	}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return 5000 * time.Millisecond
}

// Loop is a transport-agnostic retry driver. The caller guarantees that
// at most one Run is active per logical session by tracking the task
// handle.
type Loop struct {
	// Tag appears in diagnostics only.
	Tag string
	// MaxAttempts defaults to DefaultMaxAttempts when zero.
	MaxAttempts int
	// ObservationWindow is how long to watch for success after each
	// attempt before moving on.
	ObservationWindow time.Duration

	// ShouldStop aborts the loop: the user disconnected, or the session
	// left its reconnecting state for any other reason.
	ShouldStop func() bool
	// IsConnected reports attempt success.
	IsConnected func() bool
	// OnAttempt triggers one transport-specific reconnect. May update
	// shared session state.
	OnAttempt func(attempt int)
	// OnGiveUp runs exactly once when every attempt failed.
	OnGiveUp func()

	// Overridable in tests to avoid real sleeps.
	backoff      func(attempt int) time.Duration
	pollInterval time.Duration
}

// Run drives attempts until one succeeds, ShouldStop reports true, ctx is
// cancelled, or MaxAttempts is exhausted (then OnGiveUp fires).
func (l *Loop) Run(ctx context.Context) {
	max := l.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	backoff := l.backoff
	if backoff == nil {
		backoff = Backoff
	}
	poll := l.pollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	for attempt := 0; attempt < max; attempt++ {
		if l.ShouldStop() {
			log.Printf("[%s] reconnection stopped before attempt %d", l.Tag, attempt)
			return
		}
		if !sleep(ctx, backoff(attempt)) {
			return
		}
		// Re-check after the sleep: the session may have recovered or
		// been torn down while we slept.
		if l.ShouldStop() || l.IsConnected() {
			return
		}

		log.Printf("[%s] reconnect attempt %d/%d", l.Tag, attempt+1, max)
		l.OnAttempt(attempt)

		if l.observe(ctx, poll) {
			return
		}
	}

	log.Printf("[%s] reconnection attempts exhausted", l.Tag)
	l.OnGiveUp()
}

// observe polls for success or stop for up to the observation window.
// Returns true when the loop should end.
func (l *Loop) observe(ctx context.Context, poll time.Duration) bool {
	deadline := time.After(l.ObservationWindow)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-deadline:
			return false
		case <-ticker.C:
			if l.IsConnected() || l.ShouldStop() {
				return true
			}
		}
	}
}

// sleep waits for d or until ctx is cancelled; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
