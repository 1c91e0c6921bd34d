package ledger

import (
	"context"
	"sort"
	"strings"

	"tripledger/internal/ledger/store"
)

// CorrelationQuery rebuilds the step history of one logical transaction.
type CorrelationQuery struct {
	store  store.ConditionalStore
	opts   options
	caller *caller
}

// NewCorrelationQuery constructs the read path over the correlation index.
func NewCorrelationQuery(s store.ConditionalStore, opts ...Option) *CorrelationQuery {
	o := buildOptions(opts)
	return &CorrelationQuery{store: s, opts: o, caller: o.caller()}
}

// StepsByCorrelation returns the live steps sharing correlationID, oldest first.
// Steps with equal timestamps are ordered by transactionId then stepId, which is
// stable but says nothing about which was written first; callers that need
// pipeline order must look steps up by id. Reads may lag writes; callers that
// need a fresh view should poll.
func (q *CorrelationQuery) StepsByCorrelation(ctx context.Context, correlationID string) ([]SagaStep, error) {
	const op = "getSagaStepsByCorrelation"
	if strings.TrimSpace(correlationID) == "" {
		return nil, invalid("correlationId", "is required")
	}

	var items []store.Item
	err := q.caller.run(ctx, op, func(ctx context.Context) error {
		var err error
		items, err = q.store.QueryByIndex(ctx, store.SagaTransactions, store.CorrelationIndex, correlationID)
		return err
	})
	if err != nil {
		q.opts.logger.Error(ctx, "query saga steps", "correlation_id", correlationID, "error", err)
		return nil, err
	}

	now := q.opts.now()
	steps := make([]SagaStep, 0, len(items))
	for _, item := range items {
		if store.Expired(store.SagaTransactions, item, now) {
			continue
		}
		steps = append(steps, stepFromItem(item))
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if !steps[i].Timestamp.Equal(steps[j].Timestamp) {
			return steps[i].Timestamp.Before(steps[j].Timestamp)
		}
		if steps[i].TransactionID != steps[j].TransactionID {
			return steps[i].TransactionID < steps[j].TransactionID
		}
		return steps[i].StepID < steps[j].StepID
	})
	return steps, nil
}
