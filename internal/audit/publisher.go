package audit

import (
	"context"

	json "github.com/goccy/go-json"

	"tripledger/internal/ledger"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher writes ledger events to a journal then broadcasts them.
type FanoutPublisher struct {
	journal     ledger.Publisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher. Either target may be nil.
func NewFanoutPublisher(journal ledger.Publisher, broadcaster Broadcaster) *FanoutPublisher {
	return &FanoutPublisher{journal: journal, broadcaster: broadcaster}
}

// Publish journals ev first; an event that was not journaled is not broadcast.
func (p *FanoutPublisher) Publish(ctx context.Context, ev ledger.Event) error {
	if p.journal != nil {
		if err := p.journal.Publish(ctx, ev); err != nil {
			return err
		}
	}
	if p.broadcaster == nil {
		return nil
	}

	data, err := json.Marshal(struct {
		Type string `json:"type"`
		ledger.Event
	}{Type: "ledger_event", Event: ev})
	if err != nil {
		return err
	}
	p.broadcaster.Broadcast(data)
	return nil
}
