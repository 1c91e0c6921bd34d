package booking

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Gateway charges and refunds through an external payment provider. The
// idempotency key is forwarded so a repeated call returns the original reference.
type Gateway interface {
	Charge(ctx context.Context, idempotencyKey string, amountMinorUnits int64) (string, error)
	Refund(ctx context.Context, idempotencyKey, chargeRef string, amountMinorUnits int64) (string, error)
}

// Booker confirms the booking for a transaction.
type Booker interface {
	Book(ctx context.Context, transactionID string) (string, error)
}

// Notifier tells the traveller the booking went through.
type Notifier interface {
	Notify(ctx context.Context, transactionID string) error
}

// NewInMemoryGateway constructs an in-memory gateway.
func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{
		charges: make(map[string]string),
		refunds: make(map[string]string),
	}
}

// InMemoryGateway dedupes charges and refunds by idempotency key like a real provider.
type InMemoryGateway struct {
	mu          sync.Mutex
	charges     map[string]string
	refunds     map[string]string
	chargeCalls int
	refundCalls int
}

func (g *InMemoryGateway) Charge(ctx context.Context, idempotencyKey string, amountMinorUnits int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeCalls++
	if ref, ok := g.charges[idempotencyKey]; ok {
		return ref, nil
	}
	ref := "pi_" + uuid.NewString()
	g.charges[idempotencyKey] = ref
	return ref, nil
}

func (g *InMemoryGateway) Refund(ctx context.Context, idempotencyKey, chargeRef string, amountMinorUnits int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if ref, ok := g.refunds[idempotencyKey]; ok {
		return ref, nil
	}
	charged := false
	for _, ref := range g.charges {
		if ref == chargeRef {
			charged = true
			break
		}
	}
	if !charged {
		return "", errors.New("refund without charge")
	}
	ref := "re_" + uuid.NewString()
	g.refunds[idempotencyKey] = ref
	return ref, nil
}

// Charges returns how many distinct charges the gateway created.
func (g *InMemoryGateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// Refunds returns how many distinct refunds the gateway created.
func (g *InMemoryGateway) Refunds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

// ChargeCalls returns how many times Charge was invoked, including deduped calls.
func (g *InMemoryGateway) ChargeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chargeCalls
}

// NewInMemoryBooker constructs an in-memory booker.
func NewInMemoryBooker() *InMemoryBooker {
	return &InMemoryBooker{bookings: make(map[string]string)}
}

// InMemoryBooker keeps one booking reference per transaction.
type InMemoryBooker struct {
	mu       sync.Mutex
	bookings map[string]string
	calls    int
}

func (b *InMemoryBooker) Book(ctx context.Context, transactionID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if ref, ok := b.bookings[transactionID]; ok {
		return ref, nil
	}
	ref := "bk_" + uuid.NewString()
	b.bookings[transactionID] = ref
	return ref, nil
}

// Booking returns the reference booked for a transaction, if any.
func (b *InMemoryBooker) Booking(transactionID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.bookings[transactionID]
	return ref, ok
}

// Calls returns how many times Book was invoked.
func (b *InMemoryBooker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// NewInMemoryNotifier constructs an in-memory notifier.
func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{sent: make(map[string]int)}
}

// InMemoryNotifier counts notifications per transaction.
type InMemoryNotifier struct {
	mu   sync.Mutex
	sent map[string]int
}

func (n *InMemoryNotifier) Notify(ctx context.Context, transactionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[transactionID]++
	return nil
}

// Sent returns how many notifications went out for a transaction.
func (n *InMemoryNotifier) Sent(transactionID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[transactionID]
}
