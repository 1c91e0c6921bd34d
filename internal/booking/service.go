package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tripledger/internal/ledger"
)

var (
	// ErrBookingFailed reports a booking that failed after the charge; the charge was refunded.
	ErrBookingFailed = errors.New("booking failed")
	// ErrChargeFailed reports a charge the gateway declined.
	ErrChargeFailed = errors.New("charge failed")
)

// Request starts or resumes a booking. An empty TransactionID starts a new one.
type Request struct {
	TransactionID    string
	AmountMinorUnits int64
}

// Result summarizes a booking run.
type Result struct {
	TransactionID string
	ChargeRef     string
	BookingRef    string
	RefundRef     string
	State         State
}

// Status is the ledger view of one transaction.
type Status struct {
	TransactionID string
	State         State
	NextStep      string
	Finished      bool
	Charge        *ledger.PaymentAttempt
	Refund        *ledger.PaymentAttempt
	Steps         []ledger.SagaStep
}

// DefaultTakeoverAfter is how old a pending charge must be before another run
// may call the gateway for it.
const DefaultTakeoverAfter = 30 * time.Second

// Config wires a Service. Nil collaborators default to the no-op implementations.
type Config struct {
	Payments *ledger.IdempotencyLedger
	Steps    *ledger.SagaStepRecorder
	Query    *ledger.CorrelationQuery
	Gateway  Gateway
	Booker   Booker
	Notifier Notifier
	Logger   ledger.Logger
	// TakeoverAfter defaults to DefaultTakeoverAfter.
	TakeoverAfter time.Duration
	Clock         func() time.Time
}

// Service drives validate → charge → book → notify on top of the ledger, with
// refund as compensation when booking fails after a charge.
type Service struct {
	payments *ledger.IdempotencyLedger
	steps    *ledger.SagaStepRecorder
	query    *ledger.CorrelationQuery
	gateway  Gateway
	booker   Booker
	notifier Notifier
	logger   ledger.Logger
	takeover time.Duration
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(cfg Config) *Service {
	s := &Service{
		payments: cfg.Payments,
		steps:    cfg.Steps,
		query:    cfg.Query,
		gateway:  cfg.Gateway,
		booker:   cfg.Booker,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		takeover: cfg.TakeoverAfter,
		now:      cfg.Clock,
	}
	if s.gateway == nil {
		s.gateway = NoopGateway{}
	}
	if s.booker == nil {
		s.booker = NoopBooker{}
	}
	if s.notifier == nil {
		s.notifier = NoopNotifier{}
	}
	if s.logger == nil {
		s.logger = ledger.NewDefaultLogger()
	}
	if s.takeover <= 0 {
		s.takeover = DefaultTakeoverAfter
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run executes the pipeline from its resume point. Calling it again for the same
// transaction, concurrently or after a crash, never repeats a completed side effect.
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	tx := req.TransactionID
	res := Result{TransactionID: tx}

	steps, err := s.query.StepsByCorrelation(ctx, tx)
	if err != nil {
		return res, err
	}
	if step, failed := FailedStep(steps); failed {
		s.logger.Warn(ctx, "resuming failed booking", "transaction_id", tx, "step_id", step)
		cause := fmt.Errorf("%w: step %s", ErrBookingFailed, step)
		if step != StepBook {
			cause = fmt.Errorf("%w: step %s", ErrChargeFailed, step)
		}
		return s.compensate(ctx, req, res, cause)
	}
	done := completedSteps(steps)

	if !done[StepValidate] {
		if err := validate(req); err != nil {
			return res, err
		}
		if err := s.recordStep(ctx, tx, StepValidate, ledger.StepCompleted); err != nil {
			return res, err
		}
	}

	if !done[StepCharge] {
		charged, err := s.charge(ctx, req)
		if err != nil {
			if errors.Is(err, ErrChargeFailed) {
				res.State = StateFailed
			}
			return res, err
		}
		res.ChargeRef = charged.ExternalRef
		if err := s.recordSettled(ctx, tx, StepCharge, charged); err != nil {
			return res, err
		}
	} else if attempt, err := s.payments.GetAttempt(ctx, ChargeKey(tx)); err == nil {
		res.ChargeRef = attempt.ExternalRef
	} else if charged := attemptFromStep(steps, StepCharge, ledger.StatusCompleted); charged != nil {
		res.ChargeRef = charged.ExternalRef
	}

	if !done[StepBook] {
		ref, err := s.booker.Book(ctx, tx)
		if err != nil {
			s.logger.Error(ctx, "booking failed", "transaction_id", tx, "error", err)
			if rerr := s.recordStep(ctx, tx, StepBook, ledger.StepFailed); rerr != nil {
				return res, errors.Join(err, rerr)
			}
			return s.compensate(ctx, req, res, fmt.Errorf("%w: %v", ErrBookingFailed, err))
		}
		res.BookingRef = ref
		if err := s.recordStep(ctx, tx, StepBook, ledger.StepCompleted); err != nil {
			return res, err
		}
	}

	if !done[StepNotify] {
		if err := s.notifier.Notify(ctx, tx); err != nil {
			// The booking stands; a later run retries the notification.
			return res, fmt.Errorf("notify %s: %w", tx, err)
		}
		if err := s.recordStep(ctx, tx, StepNotify, ledger.StepCompleted); err != nil {
			return res, err
		}
	}

	res.State = StateBookingCompleted
	return res, nil
}

// Inspect derives the state and resume point of a transaction from the ledger.
func (s *Service) Inspect(ctx context.Context, transactionID string) (Status, error) {
	st := Status{TransactionID: transactionID}
	steps, err := s.query.StepsByCorrelation(ctx, transactionID)
	if err != nil {
		return st, err
	}
	st.Steps = steps

	if st.Charge, err = s.lookup(ctx, ChargeKey(transactionID)); err != nil {
		return st, err
	}
	if st.Refund, err = s.lookup(ctx, RefundKey(transactionID)); err != nil {
		return st, err
	}
	if st.State, err = DeriveState(st.Charge, st.Refund, steps); err != nil {
		return st, err
	}
	next, ok := NextStep(steps)
	st.NextStep, st.Finished = next, !ok
	return st, nil
}

// charge records the attempt and calls the gateway at most once per settled attempt.
// A pending attempt owned by another run is only taken over once it is older
// than the takeover threshold; until then the caller gets ledger.ErrNotSettled.
func (s *Service) charge(ctx context.Context, req Request) (ledger.PaymentAttempt, error) {
	key := ChargeKey(req.TransactionID)
	charged := ledger.PaymentAttempt{IdempotencyKey: key, CorrelationID: req.TransactionID, AmountMinorUnits: req.AmountMinorUnits}
	err := s.payments.RecordPaymentAttempt(ctx, key, req.TransactionID, req.AmountMinorUnits, 0)
	if err != nil {
		if !errors.Is(err, ledger.ErrConflict) {
			return charged, err
		}
		attempt, settled, err := s.awaitSettled(ctx, key, func(a ledger.PaymentAttempt) bool {
			return a.Status == ledger.StatusCompleted || a.Status == ledger.StatusFailed
		})
		if err != nil {
			return charged, err
		}
		if settled {
			if attempt.Status == ledger.StatusFailed {
				return attempt, fmt.Errorf("%w: %s", ErrChargeFailed, attempt.FailureReason)
			}
			s.logger.Info(ctx, "charge already completed", "idempotency_key", key)
			return attempt, nil
		}
		if age := s.now().Sub(attempt.CreatedAt); age < s.takeover {
			s.logger.Info(ctx, "charge pending in another run", "idempotency_key", key, "age", age)
			return attempt, fmt.Errorf("charge %s: %w", key, ledger.ErrNotSettled)
		}
		// The owner abandoned the attempt; the gateway dedupes on the same key.
		s.logger.Warn(ctx, "taking over pending charge", "idempotency_key", key, "created_at", attempt.CreatedAt)
		charged.AmountMinorUnits = attempt.AmountMinorUnits
	}

	ref, gerr := s.gateway.Charge(ctx, key, charged.AmountMinorUnits)
	if gerr != nil {
		s.observeGateway(ctx, req.TransactionID, ledger.StepFailed)
		if err := s.payments.MarkPaymentFailed(ctx, key, gerr.Error()); err != nil {
			return charged, errors.Join(fmt.Errorf("%w: %v", ErrChargeFailed, gerr), err)
		}
		if err := s.recordStep(ctx, req.TransactionID, StepCharge, ledger.StepFailed); err != nil {
			s.logger.Warn(ctx, "record failed charge step", "transaction_id", req.TransactionID, "error", err)
		}
		return charged, fmt.Errorf("%w: %v", ErrChargeFailed, gerr)
	}
	s.observeGateway(ctx, req.TransactionID, ledger.StepCompleted)
	if err := s.payments.MarkPaymentCompleted(ctx, key, ref); err != nil {
		return charged, err
	}
	charged.ExternalRef = ref
	charged.Status = ledger.StatusCompleted
	return charged, nil
}

// compensate refunds a completed charge. A charge that never completed needs no refund.
// The charge and refund steps stand in for payment rows that have expired.
func (s *Service) compensate(ctx context.Context, req Request, res Result, cause error) (Result, error) {
	tx := req.TransactionID
	res.State = StateFailed

	steps, err := s.query.StepsByCorrelation(ctx, tx)
	if err != nil {
		return res, errors.Join(cause, err)
	}
	if refunded := attemptFromStep(steps, StepRefund, ledger.StatusRefundCompleted); refunded != nil && refunded.Status == ledger.StatusRefundCompleted {
		res.RefundRef = refunded.ExternalRef
		res.State = StateRefundCompleted
		return res, cause
	}

	charge, err := s.lookup(ctx, ChargeKey(tx))
	if err != nil {
		return res, errors.Join(cause, err)
	}
	if charge == nil {
		charge = attemptFromStep(steps, StepCharge, ledger.StatusCompleted)
	}
	if charge == nil || charge.Status != ledger.StatusCompleted {
		return res, cause
	}
	if charge.AmountMinorUnits <= 0 {
		charge.AmountMinorUnits = req.AmountMinorUnits
	}
	if charge.ExternalRef == "" || charge.AmountMinorUnits <= 0 {
		s.logger.Error(ctx, "completed charge has no refundable reference", "transaction_id", tx)
		return res, errors.Join(cause, fmt.Errorf("%w: charge for %s completed without a reference to refund", ErrInconsistentLedger, tx))
	}
	res.ChargeRef = charge.ExternalRef

	key := RefundKey(tx)
	err = s.payments.RecordRefundAttempt(ctx, key, tx, charge.AmountMinorUnits, 0)
	if err != nil {
		if !errors.Is(err, ledger.ErrConflict) {
			return res, errors.Join(cause, err)
		}
		attempt, settled, err := s.awaitSettled(ctx, key, func(a ledger.PaymentAttempt) bool {
			return a.Status == ledger.StatusRefundCompleted
		})
		if err != nil {
			return res, errors.Join(cause, err)
		}
		if settled {
			res.RefundRef = attempt.ExternalRef
			res.State = StateRefundCompleted
			return res, cause
		}
	}
	res.State = StateRefundPending

	ref, gerr := s.gateway.Refund(ctx, key, charge.ExternalRef, charge.AmountMinorUnits)
	if gerr != nil {
		s.logger.Error(ctx, "refund failed", "idempotency_key", key, "error", gerr)
		return res, errors.Join(cause, fmt.Errorf("refund %s: %w", key, gerr))
	}
	if err := s.payments.MarkRefundCompleted(ctx, key, ref); err != nil {
		return res, errors.Join(cause, err)
	}
	refunded := ledger.PaymentAttempt{ExternalRef: ref, AmountMinorUnits: charge.AmountMinorUnits}
	if err := s.recordSettled(ctx, tx, StepRefund, refunded); err != nil {
		return res, errors.Join(cause, err)
	}
	res.RefundRef = ref
	res.State = StateRefundCompleted
	return res, cause
}

// awaitSettled polls an attempt another caller owns. settled is false when the
// owner left it pending past the poll budget.
func (s *Service) awaitSettled(ctx context.Context, key string, pred func(ledger.PaymentAttempt) bool) (ledger.PaymentAttempt, bool, error) {
	attempt, err := s.payments.AwaitAttempt(ctx, key, pred)
	switch {
	case err == nil:
		return attempt, true, nil
	case errors.Is(err, ledger.ErrNotSettled):
		return attempt, false, nil
	default:
		return attempt, false, err
	}
}

// recordStep records a pipeline stage once; losing the race means another run already recorded it.
func (s *Service) recordStep(ctx context.Context, tx, step string, status ledger.StepStatus) error {
	return s.recordOnce(ctx, ledger.StepRecord{
		TransactionID: tx,
		StepID:        step,
		CorrelationID: tx,
		Action:        step,
		Status:        status,
	})
}

// recordSettled records a completed money step with the gateway reference and
// amount, so the saga rows can still refund it after the payment row expires.
func (s *Service) recordSettled(ctx context.Context, tx, step string, settled ledger.PaymentAttempt) error {
	return s.recordOnce(ctx, ledger.StepRecord{
		TransactionID:    tx,
		StepID:           step,
		CorrelationID:    tx,
		Action:           step,
		Status:           ledger.StepCompleted,
		ExternalRef:      settled.ExternalRef,
		AmountMinorUnits: settled.AmountMinorUnits,
	})
}

func (s *Service) recordOnce(ctx context.Context, rec ledger.StepRecord) error {
	err := s.steps.RecordStepOnce(ctx, rec)
	if errors.Is(err, ledger.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) observeGateway(ctx context.Context, tx string, status ledger.StepStatus) {
	err := s.steps.RecordStep(ctx, ledger.StepRecord{
		TransactionID: tx,
		StepID:        StepGatewayStatus,
		CorrelationID: tx,
		Action:        StepCharge,
		Status:        status,
	})
	if err != nil {
		s.logger.Warn(ctx, "record gateway status", "transaction_id", tx, "error", err)
	}
}

func (s *Service) lookup(ctx context.Context, key string) (*ledger.PaymentAttempt, error) {
	attempt, err := s.payments.GetAttempt(ctx, key)
	if errors.Is(err, ledger.ErrAttemptNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.TransactionID) == "":
		return &ledger.ValidationError{Field: "transactionId", Reason: "is required"}
	case req.AmountMinorUnits <= 0:
		return &ledger.ValidationError{Field: "amountMinorUnits", Reason: "must be positive"}
	}
	return nil
}
