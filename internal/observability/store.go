package observability

import (
	"context"
	"errors"

	"tripledger/internal/ledger/store"
)

// InstrumentedStore records a span per backend call, keyed "store.<Op>".
type InstrumentedStore struct {
	base    store.ConditionalStore
	metrics *Metrics
}

// NewInstrumentedStore wraps base. A nil metrics returns base unchanged.
func NewInstrumentedStore(base store.ConditionalStore, metrics *Metrics) store.ConditionalStore {
	if metrics == nil {
		return base
	}
	return &InstrumentedStore{base: base, metrics: metrics}
}

func (s *InstrumentedStore) PutIfAbsent(ctx context.Context, table store.Table, key store.Key, item store.Item) (err error) {
	span := s.metrics.Start("store.PutIfAbsent")
	defer func() { span.End(outcome(err)) }()
	return s.base.PutIfAbsent(ctx, table, key, item)
}

func (s *InstrumentedStore) Put(ctx context.Context, table store.Table, key store.Key, item store.Item) (err error) {
	span := s.metrics.Start("store.Put")
	defer func() { span.End(outcome(err)) }()
	return s.base.Put(ctx, table, key, item)
}

func (s *InstrumentedStore) Update(ctx context.Context, table store.Table, key store.Key, updates store.Item, cond *store.Condition) (err error) {
	span := s.metrics.Start("store.Update")
	defer func() { span.End(outcome(err)) }()
	return s.base.Update(ctx, table, key, updates, cond)
}

func (s *InstrumentedStore) Get(ctx context.Context, table store.Table, key store.Key) (item store.Item, err error) {
	span := s.metrics.Start("store.Get")
	defer func() { span.End(outcome(err)) }()
	return s.base.Get(ctx, table, key)
}

func (s *InstrumentedStore) QueryByIndex(ctx context.Context, table store.Table, indexName, value string) (items []store.Item, err error) {
	span := s.metrics.Start("store.QueryByIndex")
	defer func() { span.End(outcome(err)) }()
	return s.base.QueryByIndex(ctx, table, indexName, value)
}

// outcome drops misses so they do not count as errors.
func outcome(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
