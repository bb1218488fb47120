package graph

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// RetryPolicy externalises every retry and degradation threshold used by the
// store. The degraded-mode transition is fully derivable from these numbers:
// BreakerThreshold consecutive failures inside one BreakerWindow open the
// breaker and flip the client to degraded; RecoveryProbes consecutive
// successful probes (every ProbeInterval) with an empty journal close it.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries per graph call (1 retry = 2).
	MaxAttempts int

	// Backoff is the pause between attempts.
	Backoff time.Duration

	// RequestTimeout bounds a single graph round trip.
	RequestTimeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the breaker.
	BreakerThreshold uint32

	// BreakerWindow is the closed-state counting window.
	BreakerWindow time.Duration

	// ProbeInterval is how often the background probe retries the graph while
	// degraded.
	ProbeInterval time.Duration

	// RecoveryProbes is the number of consecutive successful probes required
	// (together with an empty journal) to leave degraded mode.
	RecoveryProbes int
}

// DefaultRetryPolicy matches the published timeouts: 10s graph requests with
// one retry, degraded after 5 failures within 60s, 30s probes, recovery after
// 10 consecutive successes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      2,
		Backoff:          500 * time.Millisecond,
		RequestTimeout:   10 * time.Second,
		BreakerThreshold: 5,
		BreakerWindow:    60 * time.Second,
		ProbeInterval:    30 * time.Second,
		RecoveryProbes:   10,
	}
}

// NewBreaker builds the circuit breaker that implements the policy's
// degradation threshold. onOpen fires when the breaker opens (entering
// degraded mode); onClose when it fully closes again.
func (p RetryPolicy) NewBreaker(onOpen, onClose func()) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph",
		MaxRequests: 1,
		Interval:    p.BreakerWindow,
		Timeout:     p.ProbeInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.BreakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen && onOpen != nil:
				onOpen()
			case to == gobreaker.StateClosed && from != gobreaker.StateClosed && onClose != nil:
				onClose()
			}
		},
	})
}

// Do runs fn up to MaxAttempts times, pausing Backoff between attempts and
// honouring context cancellation. Only the final error is returned; callers
// decide whether it is transient via errors.Is.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.RequestTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
