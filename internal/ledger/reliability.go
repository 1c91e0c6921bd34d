package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"tripledger/internal/ledger/store"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retries of transient store errors.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// DefaultRetryPolicy retries four times starting at 25ms, capped at 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   4,
		BaseDelay:     25 * time.Millisecond,
		MaxDelay:      time.Second,
		JitterPercent: 20,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the budget runs out.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// IsFailure decides which errors trip the breaker. Defaults to store faults only,
	// so conflicts and misses never open it.
	IsFailure func(error) bool
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops store calls after repeated faults.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	isFailure  func(error) bool

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = isStoreFault
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		isFailure:  isFailure,
		state:      circuitClosed,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil || !c.isFailure(err) {
		c.state = circuitClosed
		c.failures = 0
		return err
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

func isStoreFault(err error) bool {
	return !errors.Is(err, store.ErrAlreadyExists) &&
		!errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, store.ErrConditionFailed) &&
		!errors.Is(err, context.Canceled)
}

// caller runs every store call with a per-call timeout, rate limit, breaker and retry.
type caller struct {
	retry       RetryPolicy
	callTimeout time.Duration
	limiter     *rate.Limiter
	breaker     *CircuitBreaker
	logger      Logger
}

func (c *caller) run(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	err := c.retry.Do(ctx, store.IsTransient, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.logger.Debug(ctx, "retrying store call", "op", op, "attempt", attempt)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return store.Transient(err)
			}
		}
		return c.breaker.Execute(func() error {
			return c.once(ctx, fn)
		})
	})
	return classify(ctx, op, err)
}

func (c *caller) once(ctx context.Context, fn func(context.Context) error) error {
	if c.callTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return store.Transient(err)
	}
	return err
}

// classify maps raw store errors onto the ledger taxonomy. Store sentinels pass
// through untouched so callers can turn them into conflicts or misses.
func classify(ctx context.Context, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConditionFailed):
		return err
	case store.IsTransient(err),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		ctx.Err() != nil:
		return &TransientStoreError{Op: op, Err: err}
	default:
		return &PermanentStoreError{Op: op, Err: err}
	}
}
