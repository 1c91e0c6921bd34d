package booking

import (
	"tripledger/internal/ledger"
	"tripledger/internal/ledger/store"
)

// Components bundles the ledger parts built on one store.
type Components struct {
	Payments *ledger.IdempotencyLedger
	Steps    *ledger.SagaStepRecorder
	Query    *ledger.CorrelationQuery
}

// NewComponents builds every ledger part on s with the same options, so they
// share one breaker, limiter and publisher.
func NewComponents(s store.ConditionalStore, opts ...ledger.Option) Components {
	return Components{
		Payments: ledger.NewIdempotencyLedger(s, opts...),
		Steps:    ledger.NewSagaStepRecorder(s, opts...),
		Query:    ledger.NewCorrelationQuery(s, opts...),
	}
}

// BuildService wires a Service on the components. Nil collaborators fall back
// to in-memory implementations.
func BuildService(c Components, gateway Gateway, booker Booker, notifier Notifier, logger ledger.Logger) *Service {
	if gateway == nil {
		gateway = NewInMemoryGateway()
	}
	if booker == nil {
		booker = NewInMemoryBooker()
	}
	if notifier == nil {
		notifier = NewInMemoryNotifier()
	}
	return NewService(Config{
		Payments: c.Payments,
		Steps:    c.Steps,
		Query:    c.Query,
		Gateway:  gateway,
		Booker:   booker,
		Notifier: notifier,
		Logger:   logger,
	})
}
