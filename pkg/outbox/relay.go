package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"anniversary-notifier/pkg/metrics"
	"anniversary-notifier/pkg/trace"
)

type Store interface {
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, event *Event, maxRetries int) error
}

type RawPublisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

// Relay 周期性地从 outbox 中读取事件并发布到 MQ
type Relay struct {
	store      Store
	publisher  RawPublisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
	lease      time.Duration
}

func NewRelay(store Store, publisher RawPublisher, logger *zap.Logger) *Relay {
	return &Relay{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 10,
		interval:   5 * time.Second,
		batchSize:  100,
		lease:      time.Minute,
	}
}

func (r *Relay) WithMaxRetries(maxRetries int) *Relay {
	if maxRetries > 0 {
		r.maxRetries = maxRetries
	}
	return r
}

func (r *Relay) WithInterval(interval time.Duration) *Relay {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

func (r *Relay) WithBatchSize(batchSize int) *Relay {
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	return r
}

// Start blocks until ctx is done.
func (r *Relay) Start(ctx context.Context) {
	r.logger.Info("Starting outbox relay",
		zap.Int("max_retries", r.maxRetries),
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			r.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce publishes one batch of due events and returns how many were sent.
func (r *Relay) ProcessOnce(ctx context.Context) int {
	events, err := r.store.ClaimDue(ctx, r.batchSize, r.lease)
	if err != nil {
		r.logger.Error("Failed to claim outbox events", zap.Error(err))
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	sent := 0
	for _, event := range events {
		pubCtx := withPayloadTrace(ctx, event.Payload)
		if err := r.publisher.PublishRaw(pubCtx, event.RoutingKey, event.Payload); err != nil {
			r.logger.Error("Failed to publish outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)
			if err := r.store.MarkAsFailed(ctx, event, r.maxRetries); err != nil {
				r.logger.Error("Failed to mark outbox event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(err),
				)
			}
			if event.Status == StatusFailed {
				metrics.IncrementOutboxRelayed("failed")
			} else {
				metrics.IncrementOutboxRelayed("retry")
			}
			continue
		}

		if err := r.store.MarkAsSent(ctx, event.ID); err != nil {
			// lease 过期后会重新发布一次，消费端幂等
			r.logger.Error("Failed to mark outbox event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.IncrementOutboxRelayed("sent")
		sent++
	}

	r.logger.Debug("Outbox batch relayed",
		zap.Int("claimed", len(events)),
		zap.Int("sent", sent),
	)
	return sent
}

// withPayloadTrace 从 payload 中提取 trace_id
func withPayloadTrace(ctx context.Context, payload json.RawMessage) context.Context {
	var envelope struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ctx
	}
	return trace.WithContext(ctx, envelope.TraceID)
}
