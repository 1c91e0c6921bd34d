package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ledgerdb "tripledger/internal/db/ledger"
	"tripledger/internal/ledger"
	"tripledger/internal/ledger/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fastRetry(attempts int) ledger.RetryPolicy {
	return ledger.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newMemory(t *testing.T, clock *testClock) *ledgerdb.MemoryStore {
	t.Helper()
	var now func() time.Time
	if clock != nil {
		now = clock.Now
	}
	s, err := ledgerdb.NewMemoryStore(now)
	require.NoError(t, err)
	return s
}

func baseOptions(extra ...ledger.Option) []ledger.Option {
	opts := []ledger.Option{
		ledger.WithLogger(ledger.NewDiscardLogger()),
		ledger.WithRetryPolicy(fastRetry(3)),
		ledger.WithPollPolicy(fastRetry(5)),
	}
	return append(opts, extra...)
}

// faultStore fails selected calls and delegates the rest. failUpdate fails
// every Update without counting it as a call.
type faultStore struct {
	store.ConditionalStore
	calls      atomic.Int32
	failFor    func(table store.Table, call int) error
	failUpdate error
}

func (f *faultStore) fault(table store.Table) error {
	n := int(f.calls.Add(1))
	if f.failFor == nil {
		return nil
	}
	return f.failFor(table, n)
}

func (f *faultStore) PutIfAbsent(ctx context.Context, table store.Table, key store.Key, item store.Item) error {
	if err := f.fault(table); err != nil {
		return err
	}
	return f.ConditionalStore.PutIfAbsent(ctx, table, key, item)
}

func (f *faultStore) Get(ctx context.Context, table store.Table, key store.Key) (store.Item, error) {
	if err := f.fault(table); err != nil {
		return nil, err
	}
	return f.ConditionalStore.Get(ctx, table, key)
}

func (f *faultStore) Update(ctx context.Context, table store.Table, key store.Key, updates store.Item, cond *store.Condition) error {
	if f.failUpdate != nil {
		return f.failUpdate
	}
	return f.ConditionalStore.Update(ctx, table, key, updates, cond)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev ledger.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}
