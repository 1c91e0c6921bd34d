package grpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tripledger/internal/booking"
	"tripledger/internal/ledger"
	"tripledger/internal/ledger/store"
)

// PaymentLedger is the payment surface needed by the adapter.
type PaymentLedger interface {
	RecordPaymentAttempt(ctx context.Context, key, correlationID string, amountMinorUnits int64, ttl time.Duration) error
	RecordRefundAttempt(ctx context.Context, key, correlationID string, amountMinorUnits int64, ttl time.Duration) error
	MarkPaymentCompleted(ctx context.Context, key, externalRef string) error
	MarkRefundCompleted(ctx context.Context, key, externalRef string) error
	MarkPaymentFailed(ctx context.Context, key, reason string) error
	GetAttempt(ctx context.Context, key string) (ledger.PaymentAttempt, error)
}

// StepRecorder is the saga step surface needed by the adapter.
type StepRecorder interface {
	RecordStep(ctx context.Context, rec ledger.StepRecord) error
	RecordStepOnce(ctx context.Context, rec ledger.StepRecord) error
}

// StepQuery reads steps by correlation id.
type StepQuery interface {
	StepsByCorrelation(ctx context.Context, correlationID string) ([]ledger.SagaStep, error)
}

// SagaInspector derives the resume point of a transaction.
type SagaInspector interface {
	Inspect(ctx context.Context, transactionID string) (booking.Status, error)
}

// LedgerServer adapts the ledger to tripledger.v1.Ledger.
type LedgerServer struct {
	payments PaymentLedger
	steps    StepRecorder
	query    StepQuery
	saga     SagaInspector
}

var _ LedgerServiceServer = (*LedgerServer)(nil)

// NewLedgerServer constructs a LedgerServer.
func NewLedgerServer(payments PaymentLedger, steps StepRecorder, query StepQuery, saga SagaInspector) *LedgerServer {
	return &LedgerServer{payments: payments, steps: steps, query: query, saga: saga}
}

func (s *LedgerServer) RecordPaymentAttempt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.recordAttempt(ctx, in, s.payments.RecordPaymentAttempt, ledger.StatusPending)
}

func (s *LedgerServer) RecordRefundAttempt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.recordAttempt(ctx, in, s.payments.RecordRefundAttempt, ledger.StatusRefundPending)
}

func (s *LedgerServer) MarkPaymentCompleted(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.markCompleted(ctx, in, s.payments.MarkPaymentCompleted, ledger.StatusCompleted)
}

func (s *LedgerServer) MarkRefundCompleted(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.markCompleted(ctx, in, s.payments.MarkRefundCompleted, ledger.StatusRefundCompleted)
}

func (s *LedgerServer) MarkPaymentFailed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(in, "idempotencyKey")
	if err := s.payments.MarkPaymentFailed(ctx, key, stringField(in, "reason")); err != nil {
		return nil, mapLedgerError(err)
	}
	return newStruct(map[string]any{"idempotencyKey": key, "status": string(ledger.StatusFailed)})
}

func (s *LedgerServer) RecordSagaStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.recordStep(ctx, in, s.steps.RecordStep)
}

func (s *LedgerServer) RecordSagaStepOnce(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.recordStep(ctx, in, s.steps.RecordStepOnce)
}

func (s *LedgerServer) GetSagaStepsByCorrelation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	steps, err := s.query.StepsByCorrelation(ctx, stringField(in, "correlationId"))
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return newStruct(map[string]any{"steps": stepList(steps)})
}

func (s *LedgerServer) GetPaymentAttempt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	attempt, err := s.payments.GetAttempt(ctx, stringField(in, "idempotencyKey"))
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return newStruct(attemptFields(attempt))
}

func (s *LedgerServer) GetResumePoint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.saga == nil {
		return nil, status.Error(codes.Unimplemented, "resume point not available")
	}
	tx := stringField(in, "transactionId")
	if strings.TrimSpace(tx) == "" {
		return nil, mapLedgerError(&ledger.ValidationError{Field: "transactionId", Reason: "is required"})
	}
	st, err := s.saga.Inspect(ctx, tx)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	out := map[string]any{
		"transactionId": st.TransactionID,
		"state":         string(st.State),
		"nextStep":      st.NextStep,
		"finished":      st.Finished,
		"steps":         stepList(st.Steps),
	}
	if st.Charge != nil {
		out["charge"] = attemptFields(*st.Charge)
	}
	if st.Refund != nil {
		out["refund"] = attemptFields(*st.Refund)
	}
	return newStruct(out)
}

type recordFunc func(ctx context.Context, key, correlationID string, amountMinorUnits int64, ttl time.Duration) error

func (s *LedgerServer) recordAttempt(ctx context.Context, in *structpb.Struct, record recordFunc, initial ledger.PaymentStatus) (*structpb.Struct, error) {
	amount, err := intField(in, "amountMinorUnits")
	if err != nil {
		return nil, mapLedgerError(err)
	}
	ttl, err := durationField(in, "ttlSeconds", time.Second)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	key := stringField(in, "idempotencyKey")
	if err := record(ctx, key, stringField(in, "correlationId"), amount, ttl); err != nil {
		return nil, mapLedgerError(err)
	}
	return newStruct(map[string]any{"idempotencyKey": key, "status": string(initial)})
}

type markFunc func(ctx context.Context, key, externalRef string) error

func (s *LedgerServer) markCompleted(ctx context.Context, in *structpb.Struct, mark markFunc, done ledger.PaymentStatus) (*structpb.Struct, error) {
	key := stringField(in, "idempotencyKey")
	if err := mark(ctx, key, stringField(in, "externalRef")); err != nil {
		return nil, mapLedgerError(err)
	}
	return newStruct(map[string]any{"idempotencyKey": key, "status": string(done)})
}

func (s *LedgerServer) recordStep(ctx context.Context, in *structpb.Struct, record func(context.Context, ledger.StepRecord) error) (*structpb.Struct, error) {
	ttl, err := durationField(in, "ttlDays", 24*time.Hour)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	amount, err := intField(in, "amountMinorUnits")
	if err != nil {
		return nil, mapLedgerError(err)
	}
	rec := ledger.StepRecord{
		TransactionID:    stringField(in, "transactionId"),
		StepID:           stringField(in, "stepId"),
		CorrelationID:    stringField(in, "correlationId"),
		Action:           stringField(in, "action"),
		Status:           ledger.StepStatus(stringField(in, "status")),
		ExternalRef:      stringField(in, "externalRef"),
		AmountMinorUnits: amount,
		TTL:              ttl,
	}
	if err := record(ctx, rec); err != nil {
		return nil, mapLedgerError(err)
	}
	return newStruct(map[string]any{"transactionId": rec.TransactionID, "stepId": rec.StepID, "status": string(rec.Status)})
}

func mapLedgerError(err error) error {
	var conflict *ledger.ConflictError
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &conflict):
		return status.Error(codes.AlreadyExists, conflict.Error())
	case errors.Is(err, ledger.ErrAttemptNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, booking.ErrInconsistentLedger):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrTransientStore):
		return status.Error(codes.Unavailable, "ledger temporarily unavailable, please retry")
	case errors.Is(err, ledger.ErrPermanentStore):
		return status.Error(codes.Internal, "payment could not be processed, please retry")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func stringField(in *structpb.Struct, name string) string {
	v, ok := in.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// intField reads an optional whole number; Struct numbers arrive as float64.
func intField(in *structpb.Struct, name string) (int64, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, &ledger.ValidationError{Field: name, Reason: "must be a number"}
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, &ledger.ValidationError{Field: name, Reason: "must be a whole number"}
	}
	return int64(f), nil
}

// durationField reads an optional whole number of units, rejecting values
// whose duration would overflow.
func durationField(in *structpb.Struct, name string, unit time.Duration) (time.Duration, error) {
	n, err := intField(in, name)
	if err != nil {
		return 0, err
	}
	if limit := int64(math.MaxInt64 / unit); n > limit || n < -limit {
		return 0, &ledger.ValidationError{Field: name, Reason: fmt.Sprintf("must not exceed %d", limit)}
	}
	return time.Duration(n) * unit, nil
}

func attemptFields(a ledger.PaymentAttempt) map[string]any {
	out := map[string]any{
		"idempotencyKey":   a.IdempotencyKey,
		"correlationId":    a.CorrelationID,
		"amountMinorUnits": a.AmountMinorUnits,
		"status":           string(a.Status),
		"createdAt":        store.FormatTime(a.CreatedAt),
		"ttl":              a.TTL,
	}
	if a.CompletedAt != nil {
		out["completedAt"] = store.FormatTime(*a.CompletedAt)
	}
	if a.ExternalRef != "" {
		out["externalRef"] = a.ExternalRef
	}
	if a.FailureReason != "" {
		out["failureReason"] = a.FailureReason
	}
	return out
}

func stepList(steps []ledger.SagaStep) []any {
	list := make([]any, 0, len(steps))
	for _, st := range steps {
		fields := map[string]any{
			"transactionId": st.TransactionID,
			"stepId":        st.StepID,
			"correlationId": st.CorrelationID,
			"action":        st.Action,
			"status":        string(st.Status),
			"timestamp":     store.FormatTime(st.Timestamp),
			"ttl":           st.TTL,
		}
		if st.ExternalRef != "" {
			fields["externalRef"] = st.ExternalRef
		}
		if st.AmountMinorUnits != 0 {
			fields["amountMinorUnits"] = st.AmountMinorUnits
		}
		list = append(list, fields)
	}
	return list
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}
