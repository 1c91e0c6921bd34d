package booking

import "tripledger/internal/ledger"

// Pipeline stages, in order. Each is recorded once per transaction when it completes.
const (
	StepValidate = "validate"
	StepCharge   = "charge"
	StepBook     = "book"
	StepNotify   = "notify"
	// StepRefund is the compensation stage; it is not part of the forward pipeline.
	StepRefund = "refund"
	// StepGatewayStatus holds the latest gateway observation and may be overwritten.
	StepGatewayStatus = "gateway_status"
)

// Pipeline lists the forward stages a booking runs through.
var Pipeline = []string{StepValidate, StepCharge, StepBook, StepNotify}

// ChargeKey is the idempotency key of a transaction's charge.
func ChargeKey(transactionID string) string { return "charge_" + transactionID }

// RefundKey is the idempotency key of a transaction's refund.
func RefundKey(transactionID string) string { return "refund_" + transactionID }

// NextStep returns the first pipeline stage without a completed record.
// It returns false when every stage has completed.
func NextStep(steps []ledger.SagaStep) (string, bool) {
	done := completedSteps(steps)
	for _, step := range Pipeline {
		if !done[step] {
			return step, true
		}
	}
	return "", false
}

// FailedStep returns the first pipeline stage recorded as failed, if any.
func FailedStep(steps []ledger.SagaStep) (string, bool) {
	failed := make(map[string]bool)
	for _, s := range steps {
		if s.Status == ledger.StepFailed {
			failed[s.StepID] = true
		}
	}
	for _, step := range Pipeline {
		if failed[step] {
			return step, true
		}
	}
	return "", false
}

func completedSteps(steps []ledger.SagaStep) map[string]bool {
	done := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Status == ledger.StepCompleted {
			done[s.StepID] = true
		}
	}
	return done
}

// attemptFromStep rebuilds a charge or refund from its pipeline step, for when
// the payment row has expired before the saga rows. It returns nil when the step
// was never recorded.
func attemptFromStep(steps []ledger.SagaStep, stepID string, done ledger.PaymentStatus) *ledger.PaymentAttempt {
	for _, s := range steps {
		if s.StepID != stepID {
			continue
		}
		a := &ledger.PaymentAttempt{
			CorrelationID:    s.CorrelationID,
			AmountMinorUnits: s.AmountMinorUnits,
			ExternalRef:      s.ExternalRef,
			Status:           done,
		}
		if s.Status == ledger.StepFailed {
			a.Status = ledger.StatusFailed
		}
		return a
	}
	return nil
}
