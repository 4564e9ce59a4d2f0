package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"anniversary-notifier/pkg/trace"
)

var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// Publisher publishes JSON payloads onto the events exchange in confirm mode.
// A single channel is shared, so publishes are serialized.
type Publisher struct {
	mu             sync.Mutex
	conn           *amqp091.Connection
	channel        *amqp091.Channel
	confirmTimeout time.Duration
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{
		conn:           conn,
		channel:        ch,
		confirmTimeout: 10 * time.Second,
	}, nil
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	if p.conn == nil || p.channel == nil {
		return false
	}
	return !p.conn.IsClosed() && !p.channel.IsClosed()
}

// PublishRaw publishes an already encoded JSON body.
func (p *Publisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dc, err := p.publishLocked(ctx, routingKey, body)
	if err != nil {
		return err
	}
	return p.waitConfirms(ctx, []*amqp091.DeferredConfirmation{dc})
}

// PublishBatch publishes every payload and returns nil only when the broker
// confirmed all of them. On error some messages of the batch may already be
// routed; consumers must tolerate the duplicates a retry produces.
func (p *Publisher) PublishBatch(ctx context.Context, routingKey string, payloads []any) error {
	if len(payloads) == 0 {
		return nil
	}

	bodies := make([][]byte, 0, len(payloads))
	for _, payload := range payloads {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		bodies = append(bodies, body)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	confirms := make([]*amqp091.DeferredConfirmation, 0, len(bodies))
	for _, body := range bodies {
		dc, err := p.publishLocked(ctx, routingKey, body)
		if err != nil {
			return err
		}
		confirms = append(confirms, dc)
	}
	return p.waitConfirms(ctx, confirms)
}

func (p *Publisher) publishLocked(ctx context.Context, routingKey string, body []byte) (*amqp091.DeferredConfirmation, error) {
	if p.channel == nil {
		return nil, errors.New("publisher channel is not open")
	}

	headers := amqp091.Table{}
	if traceID := trace.FromContext(ctx); traceID != "" {
		headers["trace_id"] = traceID
	}

	dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		ExchangeName,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return dc, nil
}

func (p *Publisher) waitConfirms(ctx context.Context, confirms []*amqp091.DeferredConfirmation) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	for _, dc := range confirms {
		if dc == nil {
			continue
		}
		acked, err := dc.WaitContext(waitCtx)
		if err != nil {
			return fmt.Errorf("wait for confirm: %w", err)
		}
		if !acked {
			return ErrNotConfirmed
		}
	}
	return nil
}
