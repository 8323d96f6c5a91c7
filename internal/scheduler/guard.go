package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rendis/chanops/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // saving normally
	CircuitOpen                         // failing, saves skipped
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-target circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed runs before the
	// circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one probe run.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the breaker settings used by NewScheduler.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Minute}
}

type breaker struct {
	state    CircuitState
	failures int
	lastFail time.Time
	probing  bool
}

// BreakerRegistry tracks one circuit per autosave target, so a collection
// whose saves keep failing stops hitting the store until its cooldown ends.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry creates a registry with config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a run for target may proceed.
func (r *BreakerRegistry) Allow(target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(target)

	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(b.lastFail)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"autosave circuit open for %q after %d consecutive failures", target, b.failures).
				WithDetails(map[string]any{
					"target":               target,
					"consecutive_failures": b.failures,
					"cooldown_remaining":   remaining.String(),
				})
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeExecution, "autosave circuit half-open for %q: probe in flight", target)
		}
		b.probing = true
	}
	return nil
}

// RecordSuccess closes target's circuit.
func (r *BreakerRegistry) RecordSuccess(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(target)
	*b = breaker{state: CircuitClosed}
}

// RecordFailure counts a failed run and returns the resulting state. Any
// failure while half-open reopens the circuit.
func (r *BreakerRegistry) RecordFailure(target string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(target)
	b.failures++
	b.lastFail = r.now()
	b.probing = false
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns target's current state.
func (r *BreakerRegistry) State(target string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(target)
	if b.state == CircuitOpen && r.now().Sub(b.lastFail) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *BreakerRegistry) get(target string) *breaker {
	b, ok := r.breakers[target]
	if !ok {
		b = &breaker{}
		r.breakers[target] = b
	}
	return b
}

// RetryPolicy controls how a failed save is retried within one run.
type RetryPolicy struct {
	Max      int           // extra attempts after the first
	Delay    time.Duration // base delay
	MaxDelay time.Duration // cap, 0 for none
	Backoff  string        // "constant", "linear" or "exponential"
}

// DefaultRetryPolicy returns the retry settings used by NewScheduler.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Max: 2, Delay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, Backoff: "exponential"}
}

// IsRetryableError classifies whether a failed save may succeed if tried
// again. Store errors, deadlines and lock contention are retried. Other
// coded errors and unrecognised plain errors are permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ce, ok := schema.AsError(err); ok {
		return ce.Code == schema.ErrCodeStore
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"database is locked", "busy", "i/o timeout", "connection reset", "connection refused", "eof"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry attempt (0-based).
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		delay = p.Delay << uint(attempt)
	case "linear":
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry calls fn until it succeeds, returns a permanent error or the
// policy is exhausted.
func withRetry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, int, error) {
	var (
		out T
		err error
	)
	attempts := 0
	for {
		attempts++
		out, err = fn()
		if err == nil || attempts > p.Max || !IsRetryableError(err) {
			return out, attempts, err
		}
		if werr := WaitForBackoff(ctx, ComputeBackoff(p, attempts-1)); werr != nil {
			return out, attempts, err
		}
	}
}
