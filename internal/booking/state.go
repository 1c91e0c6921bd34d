package booking

import (
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"tripledger/internal/ledger"
)

// State is the derived lifecycle state of a booking transaction.
type State string

const (
	StatePending             State = "PENDING"
	StateChargeRecorded      State = "CHARGE_RECORDED"
	StateChargeCompleted     State = "CHARGE_COMPLETED"
	StateBookingStepRecorded State = "BOOKING_STEP_RECORDED"
	StateBookingCompleted    State = "BOOKING_COMPLETED"
	StateFailed              State = "FAILED"
	StateRefundPending       State = "REFUND_PENDING"
	StateRefundCompleted     State = "REFUND_COMPLETED"
)

type trigger string

const (
	triggerChargeRecorded  trigger = "charge_recorded"
	triggerChargeCompleted trigger = "charge_completed"
	triggerBooked          trigger = "booked"
	triggerNotified        trigger = "notified"
	triggerFail            trigger = "fail"
	triggerRefundRecorded  trigger = "refund_recorded"
	triggerRefundCompleted trigger = "refund_completed"
)

// ErrInconsistentLedger reports records that no valid transition sequence produces.
var ErrInconsistentLedger = errors.New("inconsistent ledger records")

func newSagaMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(StatePending)

	sm.Configure(StatePending).
		Permit(triggerChargeRecorded, StateChargeRecorded)

	sm.Configure(StateChargeRecorded).
		Permit(triggerChargeCompleted, StateChargeCompleted).
		Permit(triggerFail, StateFailed)

	sm.Configure(StateChargeCompleted).
		Permit(triggerBooked, StateBookingStepRecorded).
		Permit(triggerFail, StateFailed).
		Permit(triggerRefundRecorded, StateRefundPending)

	sm.Configure(StateBookingStepRecorded).
		Permit(triggerNotified, StateBookingCompleted).
		Permit(triggerRefundRecorded, StateRefundPending)

	sm.Configure(StateBookingCompleted).
		Permit(triggerRefundRecorded, StateRefundPending)

	sm.Configure(StateFailed).
		Permit(triggerRefundRecorded, StateRefundPending)

	sm.Configure(StateRefundPending).
		Permit(triggerRefundCompleted, StateRefundCompleted)

	return sm
}

// DeriveState replays the ledger records of one transaction through the saga
// state machine. charge and refund are nil when no live attempt exists; the
// charge and refund steps stand in for attempts that have expired.
func DeriveState(charge, refund *ledger.PaymentAttempt, steps []ledger.SagaStep) (State, error) {
	if charge == nil {
		charge = attemptFromStep(steps, StepCharge, ledger.StatusCompleted)
	}
	if refund == nil {
		refund = attemptFromStep(steps, StepRefund, ledger.StatusRefundCompleted)
	}
	sm := newSagaMachine()
	var fired []trigger
	fire := func(t trigger) error {
		fired = append(fired, t)
		if err := sm.Fire(t); err != nil {
			return fmt.Errorf("%w: %v after %v", ErrInconsistentLedger, err, fired[:len(fired)-1])
		}
		return nil
	}

	if charge != nil {
		if err := fire(triggerChargeRecorded); err != nil {
			return "", err
		}
		switch charge.Status {
		case ledger.StatusCompleted:
			if err := fire(triggerChargeCompleted); err != nil {
				return "", err
			}
		case ledger.StatusFailed:
			if err := fire(triggerFail); err != nil {
				return "", err
			}
		}
	}

	done := completedSteps(steps)
	_, failed := FailedStep(steps)
	if sm.MustState() == StateChargeCompleted {
		switch {
		case failed:
			if err := fire(triggerFail); err != nil {
				return "", err
			}
		case done[StepBook]:
			if err := fire(triggerBooked); err != nil {
				return "", err
			}
			if done[StepNotify] {
				if err := fire(triggerNotified); err != nil {
					return "", err
				}
			}
		}
	}

	if refund != nil && refund.Status != ledger.StatusFailed {
		if err := fire(triggerRefundRecorded); err != nil {
			return "", err
		}
		if refund.Status == ledger.StatusRefundCompleted {
			if err := fire(triggerRefundCompleted); err != nil {
				return "", err
			}
		}
	}

	return sm.MustState().(State), nil
}
