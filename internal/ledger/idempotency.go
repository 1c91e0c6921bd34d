package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tripledger/internal/ledger/store"
)

// PaymentStatus is the lifecycle status of a payment attempt.
type PaymentStatus string

const (
	StatusPending         PaymentStatus = "pending"
	StatusCompleted       PaymentStatus = "completed"
	StatusRefundPending   PaymentStatus = "refund_pending"
	StatusRefundCompleted PaymentStatus = "refund_completed"
	StatusFailed          PaymentStatus = "failed"
)

// Actions recorded as failed saga steps when a payment write hits a permanent error.
const (
	ActionRecordCharge        = "record_charge"
	ActionRecordRefund        = "record_refund"
	ActionMarkChargeCompleted = "mark_charge_completed"
	ActionMarkRefundCompleted = "mark_refund_completed"
	ActionMarkPaymentFailed   = "mark_payment_failed"
)

// PaymentAttempt is one idempotent charge or refund attempt.
type PaymentAttempt struct {
	IdempotencyKey   string
	CorrelationID    string
	AmountMinorUnits int64
	Status           PaymentStatus
	CreatedAt        time.Time
	CompletedAt      *time.Time
	ExternalRef      string
	FailureReason    string
	TTL              int64
}

// IdempotencyLedger records the lifecycle of idempotent financial attempts.
type IdempotencyLedger struct {
	store  store.ConditionalStore
	steps  *SagaStepRecorder
	opts   options
	caller *caller
}

// NewIdempotencyLedger constructs a ledger on the given store. Failure markers
// for permanent errors go to the saga table of the same store.
func NewIdempotencyLedger(s store.ConditionalStore, opts ...Option) *IdempotencyLedger {
	o := buildOptions(opts)
	return &IdempotencyLedger{
		store:  s,
		steps:  &SagaStepRecorder{store: s, opts: o, caller: o.caller()},
		opts:   o,
		caller: o.caller(),
	}
}

type attemptKind struct {
	op         string
	action     string
	markAction string
	event      string
	initial    PaymentStatus
	done       PaymentStatus
	doneEvent  string
}

var (
	chargeKind = attemptKind{
		op:         "recordPaymentAttempt",
		action:     ActionRecordCharge,
		markAction: ActionMarkChargeCompleted,
		event:      EventPaymentAttempt,
		initial:    StatusPending,
		done:       StatusCompleted,
		doneEvent:  EventPaymentCompleted,
	}
	refundKind = attemptKind{
		op:         "recordRefundAttempt",
		action:     ActionRecordRefund,
		markAction: ActionMarkRefundCompleted,
		event:      EventRefundAttempt,
		initial:    StatusRefundPending,
		done:       StatusRefundCompleted,
		doneEvent:  EventRefundCompleted,
	}
)

// RecordPaymentAttempt inserts a pending charge attempt. A zero ttl means the configured
// payment retention, DefaultPaymentTTL unless overridden.
// An existing key returns *ConflictError: read the attempt instead of charging again.
func (l *IdempotencyLedger) RecordPaymentAttempt(ctx context.Context, key, correlationID string, amountMinorUnits int64, ttl time.Duration) error {
	return l.recordAttempt(ctx, chargeKind, key, correlationID, amountMinorUnits, ttl)
}

// RecordRefundAttempt inserts a pending refund attempt under its own key.
// Reusing a charge key conflicts and leaves the charge untouched.
func (l *IdempotencyLedger) RecordRefundAttempt(ctx context.Context, key, correlationID string, amountMinorUnits int64, ttl time.Duration) error {
	return l.recordAttempt(ctx, refundKind, key, correlationID, amountMinorUnits, ttl)
}

// MarkPaymentCompleted moves a charge from pending to completed. Repeating the
// call with the same externalRef is a no-op.
func (l *IdempotencyLedger) MarkPaymentCompleted(ctx context.Context, key, externalRef string) error {
	return l.markCompleted(ctx, "markPaymentCompleted", chargeKind, key, externalRef)
}

// MarkRefundCompleted moves a refund from refund_pending to refund_completed.
func (l *IdempotencyLedger) MarkRefundCompleted(ctx context.Context, key, externalRef string) error {
	return l.markCompleted(ctx, "markRefundCompleted", refundKind, key, externalRef)
}

// MarkPaymentFailed moves a pending charge or refund to failed.
func (l *IdempotencyLedger) MarkPaymentFailed(ctx context.Context, key, reason string) error {
	const op = "markPaymentFailed"
	if strings.TrimSpace(key) == "" {
		return invalid("idempotencyKey", "is required")
	}
	updates := store.Item{
		store.AttrStatus:        string(StatusFailed),
		store.AttrCompletedAt:   store.FormatTime(l.opts.now()),
		store.AttrFailureReason: reason,
	}
	cond := &store.Condition{Attr: store.AttrStatus, OneOf: []string{string(StatusPending), string(StatusRefundPending)}}
	err := l.update(ctx, op, key, updates, cond)
	if errors.Is(err, store.ErrConditionFailed) {
		current, gerr := l.GetAttempt(ctx, key)
		if gerr != nil {
			return gerr
		}
		if current.Status == StatusFailed {
			return nil
		}
		return &ConflictError{Op: op, Key: key, Current: string(current.Status)}
	}
	if err != nil {
		l.markFailure(ctx, err, ActionMarkPaymentFailed, key)
		return err
	}
	l.opts.publish(ctx, Event{Kind: EventPaymentFailed, Key: key, Status: string(StatusFailed), At: l.opts.now()})
	return nil
}

// GetAttempt reads the live attempt for key.
func (l *IdempotencyLedger) GetAttempt(ctx context.Context, key string) (PaymentAttempt, error) {
	const op = "getPaymentAttempt"
	if strings.TrimSpace(key) == "" {
		return PaymentAttempt{}, invalid("idempotencyKey", "is required")
	}
	var item store.Item
	err := l.caller.run(ctx, op, func(ctx context.Context) error {
		var err error
		item, err = l.store.Get(ctx, store.PaymentsIdempotency, store.Key{Partition: key})
		return err
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && store.Expired(store.PaymentsIdempotency, item, l.opts.now())) {
		return PaymentAttempt{}, fmt.Errorf("%w: %s", ErrAttemptNotFound, key)
	}
	if err != nil {
		return PaymentAttempt{}, err
	}
	return attemptFromItem(item), nil
}

// AwaitAttempt polls until settled reports true, tolerating read lag after a write.
// It returns ErrNotSettled with the last observed attempt when polling gives up.
func (l *IdempotencyLedger) AwaitAttempt(ctx context.Context, key string, settled func(PaymentAttempt) bool) (PaymentAttempt, error) {
	var last PaymentAttempt
	pending := errors.New("pending")
	err := l.opts.poll.Do(ctx, func(err error) bool {
		return errors.Is(err, pending) || errors.Is(err, ErrAttemptNotFound) || errors.Is(err, ErrTransientStore)
	}, func(ctx context.Context) error {
		attempt, err := l.GetAttempt(ctx, key)
		if err != nil {
			return err
		}
		last = attempt
		if !settled(attempt) {
			return pending
		}
		return nil
	})
	if errors.Is(err, pending) {
		return last, fmt.Errorf("%w: %s is %s", ErrNotSettled, key, last.Status)
	}
	return last, err
}

func (l *IdempotencyLedger) recordAttempt(ctx context.Context, kind attemptKind, key, correlationID string, amount int64, ttl time.Duration) error {
	if err := validateAttempt(key, correlationID, amount, ttl); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = l.opts.paymentTTL
	}
	now := l.opts.now()
	item := store.Item{
		store.AttrIdempotencyKey: key,
		store.AttrCorrelationID:  correlationID,
		store.AttrAmount:         amount,
		store.AttrStatus:         string(kind.initial),
		store.AttrCreatedAt:      store.FormatTime(now),
		store.AttrTTL:            ttlEpoch(now, ttl),
	}

	err := l.caller.run(ctx, kind.op, func(ctx context.Context) error {
		return l.store.PutIfAbsent(ctx, store.PaymentsIdempotency, store.Key{Partition: key}, item)
	})
	switch {
	case err == nil:
		l.opts.publish(ctx, Event{Kind: kind.event, Key: key, CorrelationID: correlationID, Status: string(kind.initial), At: now})
		return nil
	case errors.Is(err, store.ErrAlreadyExists):
		l.opts.logger.Info(ctx, "payment attempt already recorded", "op", kind.op, "idempotency_key", key)
		return &ConflictError{Op: kind.op, Key: key}
	case errors.Is(err, ErrPermanentStore):
		l.opts.logger.Error(ctx, "record payment attempt", "op", kind.op, "idempotency_key", key, "error", err)
		l.steps.recordFailure(ctx, correlationID, kind.action, key)
		return err
	default:
		l.opts.logger.Error(ctx, "record payment attempt", "op", kind.op, "idempotency_key", key, "error", err)
		return err
	}
}

func (l *IdempotencyLedger) markCompleted(ctx context.Context, op string, kind attemptKind, key, externalRef string) error {
	if strings.TrimSpace(key) == "" {
		return invalid("idempotencyKey", "is required")
	}
	if strings.TrimSpace(externalRef) == "" {
		return invalid("externalRef", "is required")
	}
	now := l.opts.now()
	updates := store.Item{
		store.AttrStatus:      string(kind.done),
		store.AttrCompletedAt: store.FormatTime(now),
		store.AttrExternalRef: externalRef,
	}
	cond := &store.Condition{Attr: store.AttrStatus, OneOf: []string{string(kind.initial)}}

	err := l.update(ctx, op, key, updates, cond)
	if errors.Is(err, store.ErrConditionFailed) {
		// Either a retry of our own write or a record in another lifecycle.
		current, gerr := l.GetAttempt(ctx, key)
		if gerr != nil {
			return gerr
		}
		if current.Status == kind.done && current.ExternalRef == externalRef {
			return nil
		}
		return &ConflictError{Op: op, Key: key, Current: string(current.Status)}
	}
	if err != nil {
		l.markFailure(ctx, err, kind.markAction, key)
		return err
	}
	l.opts.publish(ctx, Event{Kind: kind.doneEvent, Key: key, Status: string(kind.done), At: now})
	return nil
}

// markFailure leaves a failed step under the attempt's correlation id when a
// status transition hits a permanent error. The attempt must still be readable.
func (l *IdempotencyLedger) markFailure(ctx context.Context, err error, action, key string) {
	if !errors.Is(err, ErrPermanentStore) {
		return
	}
	attempt, gerr := l.GetAttempt(ctx, key)
	if gerr != nil {
		l.opts.logger.Warn(ctx, "best-effort failed step not recorded", "idempotency_key", key, "action", action, "error", gerr)
		return
	}
	l.steps.recordFailure(ctx, attempt.CorrelationID, action, key)
}

func (l *IdempotencyLedger) update(ctx context.Context, op, key string, updates store.Item, cond *store.Condition) error {
	err := l.caller.run(ctx, op, func(ctx context.Context) error {
		return l.store.Update(ctx, store.PaymentsIdempotency, store.Key{Partition: key}, updates, cond)
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w: %s", op, ErrAttemptNotFound, key)
	}
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		l.opts.logger.Error(ctx, "update payment attempt", "op", op, "idempotency_key", key, "error", err)
	}
	return err
}

func validateAttempt(key, correlationID string, amount int64, ttl time.Duration) error {
	switch {
	case strings.TrimSpace(key) == "":
		return invalid("idempotencyKey", "is required")
	case strings.TrimSpace(correlationID) == "":
		return invalid("correlationId", "is required")
	case amount <= 0:
		return invalid("amountMinorUnits", "must be positive")
	case ttl < 0:
		return invalid("ttl", "must not be negative")
	case ttl > 0 && ttl < time.Second:
		return invalid("ttl", "must be at least one second")
	}
	return nil
}

func attemptFromItem(item store.Item) PaymentAttempt {
	a := PaymentAttempt{
		IdempotencyKey: store.String(item, store.AttrIdempotencyKey),
		CorrelationID:  store.String(item, store.AttrCorrelationID),
		Status:         PaymentStatus(store.String(item, store.AttrStatus)),
		ExternalRef:    store.String(item, store.AttrExternalRef),
		FailureReason:  store.String(item, store.AttrFailureReason),
	}
	a.AmountMinorUnits, _ = store.Int64(item, store.AttrAmount)
	a.CreatedAt, _ = store.Time(item, store.AttrCreatedAt)
	a.TTL, _ = store.Int64(item, store.AttrTTL)
	if t, ok := store.Time(item, store.AttrCompletedAt); ok {
		a.CompletedAt = &t
	}
	return a
}
