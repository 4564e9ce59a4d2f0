package servicetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	mqcontracts "anniversary-notifier/contracts/mq"
	"anniversary-notifier/pkg/outbox"
)

var ErrBrokerDown = errors.New("broker unavailable")

// Publisher records confirmed batches. When Fail is set every publish errors.
type Publisher struct {
	mu      sync.Mutex
	Fail    bool
	Batches [][]mqcontracts.OccurrenceDuePayload
}

func (p *Publisher) PublishBatch(_ context.Context, routingKey string, payloads []any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail {
		return ErrBrokerDown
	}
	batch := make([]mqcontracts.OccurrenceDuePayload, 0, len(payloads))
	for _, v := range payloads {
		body, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var msg mqcontracts.OccurrenceDuePayload
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		batch = append(batch, msg)
	}
	p.Batches = append(p.Batches, batch)
	return nil
}

// Messages flattens all recorded batches.
func (p *Publisher) Messages() []mqcontracts.OccurrenceDuePayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []mqcontracts.OccurrenceDuePayload
	for _, b := range p.Batches {
		out = append(out, b...)
	}
	return out
}

// Outbox records parked events.
type Outbox struct {
	mu     sync.Mutex
	Fail   bool
	Events []*outbox.Event
}

func (o *Outbox) InsertBatch(_ context.Context, events []*outbox.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Fail {
		return errors.New("outbox insert failed")
	}
	o.Events = append(o.Events, events...)
	return nil
}
