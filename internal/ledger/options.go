package ledger

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPaymentTTL is the retention of a payment attempt.
	DefaultPaymentTTL = 24 * time.Hour
	// DefaultStepTTL is the retention of a saga step.
	DefaultStepTTL = 7 * 24 * time.Hour
)

// Event describes a successful ledger write.
type Event struct {
	Kind          string    `json:"kind"`
	Key           string    `json:"key"`
	StepID        string    `json:"step_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        string    `json:"status"`
	At            time.Time `json:"at"`
}

// Event kinds.
const (
	EventPaymentAttempt   = "payment_attempt"
	EventPaymentCompleted = "payment_completed"
	EventRefundAttempt    = "refund_attempt"
	EventRefundCompleted  = "refund_completed"
	EventPaymentFailed    = "payment_failed"
	EventStep             = "saga_step"
)

// Publisher receives ledger events. Publish failures are logged, never returned.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type options struct {
	now         func() time.Time
	logger      Logger
	retry       RetryPolicy
	poll        RetryPolicy
	callTimeout time.Duration
	breaker     *CircuitBreaker
	limiter     *rate.Limiter
	publisher   Publisher
	paymentTTL  time.Duration
	stepTTL     time.Duration
}

// Option configures ledger components.
type Option func(*options)

// WithClock overrides the clock used for timestamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRetryPolicy sets the transient-error retry budget.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithPollPolicy sets the backoff used when waiting for a record to settle.
func WithPollPolicy(p RetryPolicy) Option {
	return func(o *options) { o.poll = p }
}

// WithCallTimeout bounds every individual store call.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithCircuitBreaker guards store calls with a breaker.
func WithCircuitBreaker(b *CircuitBreaker) Option {
	return func(o *options) { o.breaker = b }
}

// WithRateLimiter throttles store calls.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithPaymentTTL sets the retention used when a payment attempt is recorded with a zero ttl.
func WithPaymentTTL(d time.Duration) Option {
	return func(o *options) { o.paymentTTL = d }
}

// WithStepTTL sets the retention used when a saga step is recorded with a zero ttl.
func WithStepTTL(d time.Duration) Option {
	return func(o *options) { o.stepTTL = d }
}

// WithPublisher forwards successful writes to an audit publisher.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func buildOptions(opts []Option) options {
	o := options{
		now:         time.Now,
		retry:       DefaultRetryPolicy(),
		poll:        RetryPolicy{MaxAttempts: 8, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second},
		callTimeout: 5 * time.Second,
		paymentTTL:  DefaultPaymentTTL,
		stepTTL:     DefaultStepTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.paymentTTL < time.Second {
		o.paymentTTL = DefaultPaymentTTL
	}
	if o.stepTTL < time.Second {
		o.stepTTL = DefaultStepTTL
	}
	if o.logger == nil {
		o.logger = NewDefaultLogger()
	}
	return o
}

func (o options) caller() *caller {
	return &caller{
		retry:       o.retry,
		callTimeout: o.callTimeout,
		limiter:     o.limiter,
		breaker:     o.breaker,
		logger:      o.logger,
	}
}

func (o options) publish(ctx context.Context, ev Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn(ctx, "publish ledger event", "kind", ev.Kind, "key", ev.Key, "error", err)
	}
}

func ttlEpoch(from time.Time, ttl time.Duration) int64 {
	return from.Unix() + int64(ttl/time.Second)
}
