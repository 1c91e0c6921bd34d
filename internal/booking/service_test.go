package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	ledgerdb "tripledger/internal/db/ledger"
	"tripledger/internal/ledger"
)

type failingBooker struct{ calls int }

func (b *failingBooker) Book(ctx context.Context, transactionID string) (string, error) {
	b.calls++
	return "", errors.New("no seats left")
}

type decliningGateway struct{}

func (decliningGateway) Charge(ctx context.Context, key string, amount int64) (string, error) {
	return "", errors.New("card declined")
}

func (decliningGateway) Refund(ctx context.Context, key, ref string, amount int64) (string, error) {
	return "", errors.New("unexpected refund")
}

type flakyNotifier struct {
	mu    sync.Mutex
	fails int
	sent  int
}

func (n *flakyNotifier) Notify(ctx context.Context, transactionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails > 0 {
		n.fails--
		return errors.New("smtp unavailable")
	}
	n.sent++
	return nil
}

type fixture struct {
	components Components
	gateway    *InMemoryGateway
	booker     *InMemoryBooker
	notifier   *InMemoryNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s, err := ledgerdb.NewMemoryStore(nil)
	require.NoError(t, err)
	components := NewComponents(s,
		ledger.WithLogger(ledger.NewDiscardLogger()),
		ledger.WithPollPolicy(ledger.RetryPolicy{MaxAttempts: 20, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	return fixture{
		components: components,
		gateway:    NewInMemoryGateway(),
		booker:     NewInMemoryBooker(),
		notifier:   NewInMemoryNotifier(),
	}
}

func (f fixture) service() *Service {
	return BuildService(f.components, f.gateway, f.booker, f.notifier, ledger.NewDiscardLogger())
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newClockedFixture runs the store, the ledger and the service on one manual clock.
func newClockedFixture(t *testing.T) (fixture, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := ledgerdb.NewMemoryStore(clock.Now)
	require.NoError(t, err)
	components := NewComponents(s,
		ledger.WithLogger(ledger.NewDiscardLogger()),
		ledger.WithClock(clock.Now),
		ledger.WithPollPolicy(ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	)
	return fixture{
		components: components,
		gateway:    NewInMemoryGateway(),
		booker:     NewInMemoryBooker(),
		notifier:   NewInMemoryNotifier(),
	}, clock
}

func (f fixture) clockedService(clock *manualClock, gateway Gateway, booker Booker) *Service {
	return NewService(Config{
		Payments: f.components.Payments,
		Steps:    f.components.Steps,
		Query:    f.components.Query,
		Gateway:  gateway,
		Booker:   booker,
		Notifier: f.notifier,
		Logger:   ledger.NewDiscardLogger(),
		Clock:    clock.Now,
	})
}

// refundOutage fails the first refunds and otherwise behaves like the wrapped gateway.
type refundOutage struct {
	*InMemoryGateway
	mu    sync.Mutex
	fails int
}

func (g *refundOutage) Refund(ctx context.Context, key, chargeRef string, amount int64) (string, error) {
	g.mu.Lock()
	if g.fails > 0 {
		g.fails--
		g.mu.Unlock()
		return "", errors.New("provider unavailable")
	}
	g.mu.Unlock()
	return g.InMemoryGateway.Refund(ctx, key, chargeRef, amount)
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service().Run(ctx, Request{TransactionID: "tr999", AmountMinorUnits: 10000})
	require.NoError(t, err)
	assert.Equal(t, StateBookingCompleted, res.State)
	assert.NotEmpty(t, res.ChargeRef)
	assert.NotEmpty(t, res.BookingRef)

	attempt, err := f.components.Payments.GetAttempt(ctx, "charge_tr999")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, attempt.Status)
	assert.Equal(t, res.ChargeRef, attempt.ExternalRef)

	st, err := f.service().Inspect(ctx, "tr999")
	require.NoError(t, err)
	assert.Equal(t, StateBookingCompleted, st.State)
	assert.True(t, st.Finished)
	assert.Equal(t, 1, f.notifier.Sent("tr999"))
}

func TestRunTwiceDoesNotRepeatSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service()

	first, err := svc.Run(ctx, Request{TransactionID: "tr1", AmountMinorUnits: 5000})
	require.NoError(t, err)
	second, err := svc.Run(ctx, Request{TransactionID: "tr1", AmountMinorUnits: 5000})
	require.NoError(t, err)

	assert.Equal(t, first.ChargeRef, second.ChargeRef)
	assert.Equal(t, 1, f.gateway.ChargeCalls())
	assert.Equal(t, 1, f.booker.Calls())
	assert.Equal(t, 1, f.notifier.Sent("tr1"))
}

func TestRunResumesAtBookAfterCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := "saga-1"

	// A previous run validated, charged and recorded the charge step, then crashed
	// before acknowledging.
	rec := func(step string) error {
		return f.components.Steps.RecordStepOnce(ctx, ledger.StepRecord{
			TransactionID: tx, StepID: step, CorrelationID: tx, Action: step, Status: ledger.StepCompleted,
		})
	}
	require.NoError(t, rec(StepValidate))
	require.NoError(t, f.components.Payments.RecordPaymentAttempt(ctx, ChargeKey(tx), tx, 2500, 0))
	ref, err := f.gateway.Charge(ctx, ChargeKey(tx), 2500)
	require.NoError(t, err)
	require.NoError(t, f.components.Payments.MarkPaymentCompleted(ctx, ChargeKey(tx), ref))
	require.NoError(t, rec(StepCharge))

	err = rec(StepCharge)
	require.ErrorIs(t, err, ledger.ErrConflict)

	steps, err := f.components.Query.StepsByCorrelation(ctx, tx)
	require.NoError(t, err)
	charges := 0
	for _, s := range steps {
		if s.StepID == StepCharge {
			charges++
		}
	}
	assert.Equal(t, 1, charges)
	next, ok := NextStep(steps)
	require.True(t, ok)
	assert.Equal(t, StepBook, next)

	res, err := f.service().Run(ctx, Request{TransactionID: tx, AmountMinorUnits: 2500})
	require.NoError(t, err)
	assert.Equal(t, ref, res.ChargeRef)
	assert.Equal(t, 1, f.gateway.ChargeCalls(), "resume must not charge again")
	assert.Equal(t, 1, f.booker.Calls())
}

func TestRunRefundsWhenBookingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	booker := &failingBooker{}
	svc := BuildService(f.components, f.gateway, booker, f.notifier, ledger.NewDiscardLogger())

	res, err := svc.Run(ctx, Request{TransactionID: "tr123", AmountMinorUnits: 35000})
	require.ErrorIs(t, err, ErrBookingFailed)
	assert.Equal(t, StateRefundCompleted, res.State)
	assert.NotEmpty(t, res.RefundRef)
	assert.Equal(t, 1, f.gateway.Refunds())

	refund, err := f.components.Payments.GetAttempt(ctx, "refund_tr123")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefundCompleted, refund.Status)
	assert.Equal(t, int64(35000), refund.AmountMinorUnits)

	charge, err := f.components.Payments.GetAttempt(ctx, "charge_tr123")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, charge.Status, "compensation must not touch the charge record")

	// A retry after compensation neither books nor refunds again.
	_, err = svc.Run(ctx, Request{TransactionID: "tr123", AmountMinorUnits: 35000})
	require.ErrorIs(t, err, ErrBookingFailed)
	assert.Equal(t, 1, booker.calls)
	assert.Equal(t, 1, f.gateway.Refunds())

	st, err := svc.Inspect(ctx, "tr123")
	require.NoError(t, err)
	assert.Equal(t, StateRefundCompleted, st.State)
}

func TestRunMarksDeclinedChargeFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := BuildService(f.components, decliningGateway{}, f.booker, f.notifier, ledger.NewDiscardLogger())

	res, err := svc.Run(ctx, Request{TransactionID: "tr7", AmountMinorUnits: 100})
	require.ErrorIs(t, err, ErrChargeFailed)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, f.booker.Calls())

	attempt, err := f.components.Payments.GetAttempt(ctx, "charge_tr7")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, attempt.Status)
	assert.Contains(t, attempt.FailureReason, "card declined")

	st, err := svc.Inspect(ctx, "tr7")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
}

func TestRunRetriesNotificationOnNextRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notifier := &flakyNotifier{fails: 1}
	svc := BuildService(f.components, f.gateway, f.booker, notifier, ledger.NewDiscardLogger())

	_, err := svc.Run(ctx, Request{TransactionID: "tr8", AmountMinorUnits: 100})
	require.Error(t, err)

	st, err := svc.Inspect(ctx, "tr8")
	require.NoError(t, err)
	assert.Equal(t, StateBookingStepRecorded, st.State)
	assert.Equal(t, StepNotify, st.NextStep)

	res, err := svc.Run(ctx, Request{TransactionID: "tr8", AmountMinorUnits: 100})
	require.NoError(t, err)
	assert.Equal(t, StateBookingCompleted, res.State)
	assert.Equal(t, 1, notifier.sent)
	assert.Equal(t, 1, f.booker.Calls())
}

func TestConcurrentRunsChargeOnce(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	var g errgroup.Group
	refs := make([]string, 8)
	for i := range refs {
		g.Go(func() error {
			res, err := svc.Run(context.Background(), Request{TransactionID: "tr-race", AmountMinorUnits: 4200})
			refs[i] = res.ChargeRef
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, f.gateway.Charges())
	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.service().Run(context.Background(), Request{TransactionID: "tr9", AmountMinorUnits: 0})
	require.ErrorIs(t, err, ledger.ErrValidation)
	assert.Zero(t, f.gateway.ChargeCalls())
}

func TestRunGeneratesTransactionID(t *testing.T) {
	f := newFixture(t)
	res, err := f.service().Run(context.Background(), Request{AmountMinorUnits: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)
}

func TestCompletedBookingOutlivesPaymentRetention(t *testing.T) {
	f, clock := newClockedFixture(t)
	ctx := context.Background()
	svc := f.clockedService(clock, f.gateway, f.booker)

	first, err := svc.Run(ctx, Request{TransactionID: "tr-old", AmountMinorUnits: 1200})
	require.NoError(t, err)

	clock.Advance(ledger.DefaultPaymentTTL + time.Hour)
	_, err = f.components.Payments.GetAttempt(ctx, ChargeKey("tr-old"))
	require.ErrorIs(t, err, ledger.ErrAttemptNotFound)

	st, err := svc.Inspect(ctx, "tr-old")
	require.NoError(t, err)
	assert.Equal(t, StateBookingCompleted, st.State)
	assert.Nil(t, st.Charge)

	again, err := svc.Run(ctx, Request{TransactionID: "tr-old", AmountMinorUnits: 1200})
	require.NoError(t, err)
	assert.Equal(t, first.ChargeRef, again.ChargeRef)
	assert.Equal(t, 1, f.gateway.ChargeCalls())
}

func TestRefundRetriedAfterPaymentRowsExpire(t *testing.T) {
	f, clock := newClockedFixture(t)
	ctx := context.Background()
	gateway := &refundOutage{InMemoryGateway: f.gateway, fails: 1}
	booker := &failingBooker{}
	svc := f.clockedService(clock, gateway, booker)

	res, err := svc.Run(ctx, Request{TransactionID: "tr-late", AmountMinorUnits: 8000})
	require.ErrorIs(t, err, ErrBookingFailed)
	assert.Equal(t, StateRefundPending, res.State)
	assert.Zero(t, f.gateway.Refunds())

	clock.Advance(ledger.DefaultPaymentTTL + time.Hour)

	res, err = svc.Run(ctx, Request{TransactionID: "tr-late", AmountMinorUnits: 8000})
	require.ErrorIs(t, err, ErrBookingFailed)
	assert.Equal(t, StateRefundCompleted, res.State)
	assert.NotEmpty(t, res.RefundRef)
	assert.Equal(t, 1, f.gateway.Refunds())

	refund, err := f.components.Payments.GetAttempt(ctx, RefundKey("tr-late"))
	require.NoError(t, err)
	assert.Equal(t, int64(8000), refund.AmountMinorUnits)

	// Once the refund row expires too, the refund step still stops a second refund.
	clock.Advance(ledger.DefaultPaymentTTL + time.Hour)
	res, err = svc.Run(ctx, Request{TransactionID: "tr-late", AmountMinorUnits: 8000})
	require.ErrorIs(t, err, ErrBookingFailed)
	assert.Equal(t, StateRefundCompleted, res.State)
	assert.Equal(t, 1, f.gateway.Refunds())
	assert.Equal(t, 1, booker.calls)

	st, err := svc.Inspect(ctx, "tr-late")
	require.NoError(t, err)
	assert.Equal(t, StateRefundCompleted, st.State)
}

func TestCompensationRejectsChargeStepWithoutReference(t *testing.T) {
	f, clock := newClockedFixture(t)
	ctx := context.Background()
	svc := f.clockedService(clock, f.gateway, f.booker)
	tx := "tr-legacy"

	for _, step := range []string{StepValidate, StepCharge} {
		require.NoError(t, f.components.Steps.RecordStepOnce(ctx, ledger.StepRecord{
			TransactionID: tx, StepID: step, CorrelationID: tx, Action: step, Status: ledger.StepCompleted,
		}))
	}
	require.NoError(t, f.components.Steps.RecordStepOnce(ctx, ledger.StepRecord{
		TransactionID: tx, StepID: StepBook, CorrelationID: tx, Action: StepBook, Status: ledger.StepFailed,
	}))

	_, err := svc.Run(ctx, Request{TransactionID: tx, AmountMinorUnits: 100})
	require.ErrorIs(t, err, ErrBookingFailed)
	require.ErrorIs(t, err, ErrInconsistentLedger)
	assert.Zero(t, f.gateway.Refunds())
}

func TestPendingChargeTakenOverOnlyWhenStale(t *testing.T) {
	f, clock := newClockedFixture(t)
	ctx := context.Background()
	svc := f.clockedService(clock, f.gateway, f.booker)
	tx := "tr-owned"

	// Another run recorded the attempt and has not settled it yet.
	require.NoError(t, f.components.Payments.RecordPaymentAttempt(ctx, ChargeKey(tx), tx, 2500, 0))

	_, err := svc.Run(ctx, Request{TransactionID: tx, AmountMinorUnits: 2500})
	require.ErrorIs(t, err, ledger.ErrNotSettled)
	assert.Zero(t, f.gateway.ChargeCalls())

	clock.Advance(DefaultTakeoverAfter + time.Second)

	res, err := svc.Run(ctx, Request{TransactionID: tx, AmountMinorUnits: 2500})
	require.NoError(t, err)
	assert.Equal(t, StateBookingCompleted, res.State)
	assert.Equal(t, 1, f.gateway.ChargeCalls())

	steps, err := f.components.Query.StepsByCorrelation(ctx, tx)
	require.NoError(t, err)
	charged := attemptFromStep(steps, StepCharge, ledger.StatusCompleted)
	require.NotNil(t, charged)
	assert.Equal(t, res.ChargeRef, charged.ExternalRef)
	assert.Equal(t, int64(2500), charged.AmountMinorUnits)
}
