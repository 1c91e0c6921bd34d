package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tripledger/internal/ledger/store"
)

// StepStatus is the outcome recorded for a saga step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// SagaStep is one recorded step of a multi-step transaction. ExternalRef and
// AmountMinorUnits are set only on steps that settled money.
type SagaStep struct {
	TransactionID    string
	StepID           string
	CorrelationID    string
	Action           string
	Status           StepStatus
	ExternalRef      string
	AmountMinorUnits int64
	Timestamp        time.Time
	TTL              int64
}

// StepRecord is the input to the step recorders. A zero TTL means the configured
// step retention, DefaultStepTTL unless overridden. ExternalRef and
// AmountMinorUnits are optional and outlive the payment attempt they copy.
type StepRecord struct {
	TransactionID    string
	StepID           string
	CorrelationID    string
	Action           string
	Status           StepStatus
	ExternalRef      string
	AmountMinorUnits int64
	TTL              time.Duration
}

// SagaStepRecorder writes saga steps keyed by (transactionId, stepId).
type SagaStepRecorder struct {
	store  store.ConditionalStore
	opts   options
	caller *caller
}

// NewSagaStepRecorder constructs a recorder on the given store.
func NewSagaStepRecorder(s store.ConditionalStore, opts ...Option) *SagaStepRecorder {
	o := buildOptions(opts)
	return &SagaStepRecorder{store: s, opts: o, caller: o.caller()}
}

// RecordStepOnce inserts the step only if (transactionId, stepId) is absent.
// A lost race returns a *ConflictError: the step already happened.
func (r *SagaStepRecorder) RecordStepOnce(ctx context.Context, rec StepRecord) error {
	return r.recordOnce(ctx, rec, true)
}

// RecordStep writes the step unconditionally. The row holds the latest known
// status and may be overwritten by later calls.
func (r *SagaStepRecorder) RecordStep(ctx context.Context, rec StepRecord) error {
	const op = "recordSagaStep"
	item, key, err := r.item(rec)
	if err != nil {
		return err
	}
	if err := r.caller.run(ctx, op, func(ctx context.Context) error {
		return r.store.Put(ctx, store.SagaTransactions, key, item)
	}); err != nil {
		r.opts.logger.Error(ctx, "record saga step", "transaction_id", rec.TransactionID, "step_id", rec.StepID, "error", err)
		return err
	}
	r.published(ctx, rec)
	return nil
}

func (r *SagaStepRecorder) recordOnce(ctx context.Context, rec StepRecord, markFailure bool) error {
	const op = "recordSagaStepOnce"
	item, key, err := r.item(rec)
	if err != nil {
		return err
	}
	err = r.caller.run(ctx, op, func(ctx context.Context) error {
		return r.store.PutIfAbsent(ctx, store.SagaTransactions, key, item)
	})
	switch {
	case err == nil:
		r.published(ctx, rec)
		return nil
	case errors.Is(err, store.ErrAlreadyExists):
		r.opts.logger.Info(ctx, "saga step already recorded", "transaction_id", rec.TransactionID, "step_id", rec.StepID)
		return &ConflictError{Op: op, Key: rec.TransactionID + "/" + rec.StepID}
	case errors.Is(err, ErrPermanentStore) && markFailure && rec.Status != StepFailed:
		r.opts.logger.Error(ctx, "record saga step once", "transaction_id", rec.TransactionID, "step_id", rec.StepID, "error", err)
		failed := rec
		failed.Status = StepFailed
		if ferr := r.recordOnce(ctx, failed, false); ferr != nil {
			r.opts.logger.Warn(ctx, "best-effort failed step not recorded", "transaction_id", rec.TransactionID, "step_id", rec.StepID, "error", ferr)
		}
		return err
	default:
		r.opts.logger.Error(ctx, "record saga step once", "transaction_id", rec.TransactionID, "step_id", rec.StepID, "error", err)
		return err
	}
}

// recordFailure writes a best-effort failed step for a payment operation that hit a permanent error.
func (r *SagaStepRecorder) recordFailure(ctx context.Context, correlationID, action, key string) {
	rec := StepRecord{
		TransactionID: correlationID,
		StepID:        action + "#" + key,
		CorrelationID: correlationID,
		Action:        action,
		Status:        StepFailed,
	}
	if err := r.recordOnce(ctx, rec, false); err != nil && !errors.Is(err, ErrConflict) {
		r.opts.logger.Warn(ctx, "best-effort failed step not recorded", "transaction_id", correlationID, "step_id", rec.StepID, "error", err)
	}
}

func (r *SagaStepRecorder) item(rec StepRecord) (store.Item, store.Key, error) {
	if err := validateStep(rec); err != nil {
		return nil, store.Key{}, err
	}
	ttl := rec.TTL
	if ttl == 0 {
		ttl = r.opts.stepTTL
	}
	now := r.opts.now()
	item := store.Item{
		store.AttrTransactionID: rec.TransactionID,
		store.AttrStepID:        rec.StepID,
		store.AttrCorrelationID: rec.CorrelationID,
		store.AttrAction:        rec.Action,
		store.AttrStatus:        string(rec.Status),
		store.AttrTimestamp:     store.FormatTime(now),
		store.AttrTTL:           ttlEpoch(now, ttl),
	}
	if rec.ExternalRef != "" {
		item[store.AttrExternalRef] = rec.ExternalRef
	}
	if rec.AmountMinorUnits != 0 {
		item[store.AttrAmount] = rec.AmountMinorUnits
	}
	return item, store.Key{Partition: rec.TransactionID, Sort: rec.StepID}, nil
}

func (r *SagaStepRecorder) published(ctx context.Context, rec StepRecord) {
	r.opts.publish(ctx, Event{
		Kind:          EventStep,
		Key:           rec.TransactionID,
		StepID:        rec.StepID,
		CorrelationID: rec.CorrelationID,
		Status:        string(rec.Status),
		At:            r.opts.now(),
	})
}

func validateStep(rec StepRecord) error {
	switch {
	case strings.TrimSpace(rec.TransactionID) == "":
		return invalid("transactionId", "is required")
	case strings.TrimSpace(rec.StepID) == "":
		return invalid("stepId", "is required")
	case strings.TrimSpace(rec.CorrelationID) == "":
		return invalid("correlationId", "is required")
	case rec.Status != StepCompleted && rec.Status != StepFailed:
		return invalid("status", fmt.Sprintf("must be %q or %q", StepCompleted, StepFailed))
	case rec.AmountMinorUnits < 0:
		return invalid("amountMinorUnits", "must not be negative")
	case rec.TTL < 0:
		return invalid("ttl", "must not be negative")
	case rec.TTL > 0 && rec.TTL < time.Second:
		return invalid("ttl", "must be at least one second")
	}
	return nil
}

func stepFromItem(item store.Item) SagaStep {
	step := SagaStep{
		TransactionID: store.String(item, store.AttrTransactionID),
		StepID:        store.String(item, store.AttrStepID),
		CorrelationID: store.String(item, store.AttrCorrelationID),
		Action:        store.String(item, store.AttrAction),
		Status:        StepStatus(store.String(item, store.AttrStatus)),
		ExternalRef:   store.String(item, store.AttrExternalRef),
	}
	step.AmountMinorUnits, _ = store.Int64(item, store.AttrAmount)
	step.Timestamp, _ = store.Time(item, store.AttrTimestamp)
	step.TTL, _ = store.Int64(item, store.AttrTTL)
	return step
}
