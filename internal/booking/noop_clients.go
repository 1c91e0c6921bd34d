package booking

import "context"

// NoopGateway is a stub Gateway that always succeeds with the idempotency key as reference.
type NoopGateway struct{}

func (NoopGateway) Charge(ctx context.Context, idempotencyKey string, amountMinorUnits int64) (string, error) {
	return idempotencyKey, nil
}

func (NoopGateway) Refund(ctx context.Context, idempotencyKey, chargeRef string, amountMinorUnits int64) (string, error) {
	return idempotencyKey, nil
}

// NoopBooker is a stub Booker that always succeeds.
type NoopBooker struct{}

func (NoopBooker) Book(ctx context.Context, transactionID string) (string, error) {
	return transactionID, nil
}

// NoopNotifier is a stub Notifier that always succeeds.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, transactionID string) error {
	return nil
}
