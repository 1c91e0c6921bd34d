package ledgerdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tripledger/internal/ledger/store"
)

type backend struct {
	name string
	open func(t *testing.T) store.ConditionalStore
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) store.ConditionalStore {
			s, err := NewMemoryStore(nil)
			require.NoError(t, err)
			return s
		}},
		{name: "redis", open: func(t *testing.T) store.ConditionalStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "test:")
		}},
	}
}

func attemptItem(key, status string) store.Item {
	return store.Item{
		store.AttrIdempotencyKey: key,
		store.AttrCorrelationID:  "tr1",
		store.AttrAmount:         int64(10000),
		store.AttrStatus:         status,
		store.AttrTTL:            time.Now().Add(time.Hour).Unix(),
	}
}

func stepItem(tx, stepID string, at time.Time) store.Item {
	return store.Item{
		store.AttrTransactionID: tx,
		store.AttrStepID:        stepID,
		store.AttrCorrelationID: tx,
		store.AttrStatus:        "completed",
		store.AttrTimestamp:     store.FormatTime(at),
		store.AttrTTL:           at.Add(time.Hour).Unix(),
	}
}

func TestStorePutIfAbsent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			key := store.Key{Partition: "charge_tr1"}

			require.NoError(t, s.PutIfAbsent(ctx, store.PaymentsIdempotency, key, attemptItem("charge_tr1", "pending")))
			err := s.PutIfAbsent(ctx, store.PaymentsIdempotency, key, attemptItem("charge_tr1", "completed"))
			require.ErrorIs(t, err, store.ErrAlreadyExists)

			got, err := s.Get(ctx, store.PaymentsIdempotency, key)
			require.NoError(t, err)
			assert.Equal(t, "pending", store.String(got, store.AttrStatus))
			amount, ok := store.Int64(got, store.AttrAmount)
			require.True(t, ok)
			assert.Equal(t, int64(10000), amount)
		})
	}
}

func TestStorePutIfAbsentRace(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			var mu sync.Mutex
			wins := 0
			var g errgroup.Group
			for i := 0; i < 10; i++ {
				g.Go(func() error {
					err := s.PutIfAbsent(ctx, store.PaymentsIdempotency, store.Key{Partition: "charge_race"}, attemptItem("charge_race", "pending"))
					if errors.Is(err, store.ErrAlreadyExists) {
						return nil
					}
					if err != nil {
						return err
					}
					mu.Lock()
					wins++
					mu.Unlock()
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, 1, wins)
		})
	}
}

func TestStoreConditionalUpdate(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			key := store.Key{Partition: "charge_tr1"}
			require.NoError(t, s.PutIfAbsent(ctx, store.PaymentsIdempotency, key, attemptItem("charge_tr1", "pending")))

			pending := &store.Condition{Attr: store.AttrStatus, OneOf: []string{"pending"}}
			updates := store.Item{store.AttrStatus: "completed", store.AttrExternalRef: "pi_abc"}
			require.NoError(t, s.Update(ctx, store.PaymentsIdempotency, key, updates, pending))
			require.ErrorIs(t, s.Update(ctx, store.PaymentsIdempotency, key, updates, pending), store.ErrConditionFailed)

			got, err := s.Get(ctx, store.PaymentsIdempotency, key)
			require.NoError(t, err)
			assert.Equal(t, "completed", store.String(got, store.AttrStatus))
			assert.Equal(t, "pi_abc", store.String(got, store.AttrExternalRef))
			assert.Equal(t, "tr1", store.String(got, store.AttrCorrelationID))

			err = s.Update(ctx, store.PaymentsIdempotency, store.Key{Partition: "missing"}, updates, pending)
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestStorePutOverwrites(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			now := time.Now()
			key := store.Key{Partition: "tr1", Sort: "gateway_status"}

			first := stepItem("tr1", "gateway_status", now)
			first[store.AttrStatus] = "failed"
			first["extra"] = "dropped"
			require.NoError(t, s.Put(ctx, store.SagaTransactions, key, first))
			require.NoError(t, s.Put(ctx, store.SagaTransactions, key, stepItem("tr1", "gateway_status", now)))

			got, err := s.Get(ctx, store.SagaTransactions, key)
			require.NoError(t, err)
			assert.Equal(t, "completed", store.String(got, store.AttrStatus))
			assert.NotContains(t, got, "extra")
		})
	}
}

func TestStoreQueryByIndex(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			base := time.Now()

			for _, id := range []string{"book", "validate", "charge"} {
				at := base
				switch id {
				case "validate":
					at = base.Add(-2 * time.Second)
				case "charge":
					at = base.Add(-time.Second)
				}
				require.NoError(t, s.PutIfAbsent(ctx, store.SagaTransactions, store.Key{Partition: "tr999", Sort: id}, stepItem("tr999", id, at)))
			}
			require.NoError(t, s.PutIfAbsent(ctx, store.SagaTransactions, store.Key{Partition: "tr1", Sort: "validate"}, stepItem("tr1", "validate", base)))

			items, err := s.QueryByIndex(ctx, store.SagaTransactions, store.CorrelationIndex, "tr999")
			require.NoError(t, err)
			require.Len(t, items, 3)
			assert.Equal(t, "validate", store.String(items[0], store.AttrStepID))
			assert.Equal(t, "charge", store.String(items[1], store.AttrStepID))
			assert.Equal(t, "book", store.String(items[2], store.AttrStepID))

			empty, err := s.QueryByIndex(ctx, store.SagaTransactions, store.CorrelationIndex, "nobody")
			require.NoError(t, err)
			assert.Empty(t, empty)

			_, err = s.QueryByIndex(ctx, store.SagaTransactions, "bogus", "tr999")
			require.ErrorIs(t, err, store.ErrUnknownIndex)
		})
	}
}

func TestStoreKeysDoNotCollide(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			now := time.Now()

			require.NoError(t, s.PutIfAbsent(ctx, store.SagaTransactions, store.Key{Partition: "a:b", Sort: "c"}, stepItem("a:b", "c", now)))
			require.NoError(t, s.PutIfAbsent(ctx, store.SagaTransactions, store.Key{Partition: "a", Sort: "b:c"}, stepItem("a", "b:c", now)))
		})
	}
}

func TestMemoryStoreHonorsTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	s, err := NewMemoryStore(clock)
	require.NoError(t, err)
	ctx := context.Background()
	key := store.Key{Partition: "charge_tr1"}

	item := attemptItem("charge_tr1", "pending")
	item[store.AttrTTL] = now.Unix() + 60
	require.NoError(t, s.PutIfAbsent(ctx, store.PaymentsIdempotency, key, item))

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, store.PaymentsIdempotency, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Update(ctx, store.PaymentsIdempotency, key, store.Item{store.AttrStatus: "completed"}, nil), store.ErrNotFound)
	require.NoError(t, s.PutIfAbsent(ctx, store.PaymentsIdempotency, key, item))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s, err := NewMemoryStore(nil)
	require.NoError(t, err)
	ctx := context.Background()
	key := store.Key{Partition: "charge_tr1"}
	require.NoError(t, s.PutIfAbsent(ctx, store.PaymentsIdempotency, key, attemptItem("charge_tr1", "pending")))

	got, err := s.Get(ctx, store.PaymentsIdempotency, key)
	require.NoError(t, err)
	got[store.AttrStatus] = "tampered"

	again, err := s.Get(ctx, store.PaymentsIdempotency, key)
	require.NoError(t, err)
	assert.Equal(t, "pending", store.String(again, store.AttrStatus))
}

func TestRedisStoreSetsExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, "")
	ctx := context.Background()

	require.NoError(t, s.PutIfAbsent(ctx, store.PaymentsIdempotency, store.Key{Partition: "charge_tr1"}, attemptItem("charge_tr1", "pending")))

	itemKey := s.itemKey(store.PaymentsIdempotency, store.Key{Partition: "charge_tr1"})
	assert.True(t, mr.Exists(itemKey))
	assert.Greater(t, mr.TTL(itemKey), time.Duration(0))
}

func TestRedisIndexExpiresWithLongestLivedMember(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, "")
	ctx := context.Background()
	now := time.Now()

	put := func(stepID string, ttl time.Duration) {
		item := stepItem("tr1", stepID, now)
		item[store.AttrTTL] = now.Add(ttl).Unix()
		require.NoError(t, s.PutIfAbsent(ctx, store.SagaTransactions, store.Key{Partition: "tr1", Sort: stepID}, item))
	}
	idx, ok := store.SagaTransactions.Index(store.CorrelationIndex)
	require.True(t, ok)
	indexKey := s.indexKey(store.SagaTransactions, idx, "tr1")

	put("validate", time.Hour)
	assert.InDelta(t, time.Hour.Seconds(), mr.TTL(indexKey).Seconds(), 5)

	put("charge", 3*time.Hour)
	assert.InDelta(t, (3 * time.Hour).Seconds(), mr.TTL(indexKey).Seconds(), 5)

	// A shorter-lived member does not pull the expiry in.
	put("book", 30*time.Minute)
	assert.InDelta(t, (3 * time.Hour).Seconds(), mr.TTL(indexKey).Seconds(), 5)

	mr.FastForward(2 * time.Hour)
	items, err := s.QueryByIndex(ctx, store.SagaTransactions, store.CorrelationIndex, "tr1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "charge", store.String(items[0], store.AttrStepID))

	members, err := mr.ZMembers(indexKey)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists(indexKey))
}

func TestRedisStoreCanceledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, store.PaymentsIdempotency, store.Key{Partition: "charge_tr1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassifyRedis(t *testing.T) {
	assert.True(t, store.IsPermanent(classifyRedis(redis.ErrClosed)))
	assert.False(t, store.IsTransient(classifyRedis(redis.ErrClosed)))
	assert.Nil(t, classifyRedis(nil))
}
