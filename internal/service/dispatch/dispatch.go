package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontracts "anniversary-notifier/contracts/mq"
	"anniversary-notifier/internal/model"
	"anniversary-notifier/pkg/metrics"
	"anniversary-notifier/pkg/outbox"
	"anniversary-notifier/pkg/trace"
)

// MaxBatchSize is the upper bound on messages per publish.
const MaxBatchSize = 100

type BatchPublisher interface {
	PublishBatch(ctx context.Context, routingKey string, payloads []any) error
}

type Parker interface {
	InsertBatch(ctx context.Context, events []*outbox.Event) error
}

type Result struct {
	Published int
	Parked    int
}

type Dispatcher struct {
	publisher BatchPublisher
	parker    Parker
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(publisher BatchPublisher, parker Parker, batchSize int, logger *zap.Logger) *Dispatcher {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	return &Dispatcher{
		publisher: publisher,
		parker:    parker,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue publishes claimed occurrences in batches. A batch the broker did
// not confirm is parked in the outbox; if parking fails too the error is
// returned and those rows stay pending for the reconciler.
func (d *Dispatcher) Enqueue(ctx context.Context, occs []model.Occurrence) (Result, error) {
	var res Result
	traceID := trace.FromContext(ctx)
	log := d.logger.With(zap.String("trace_id", traceID))

	for start := 0; start < len(occs); start += d.batchSize {
		end := min(start+d.batchSize, len(occs))
		batch := occs[start:end]

		payloads := make([]mqcontracts.OccurrenceDuePayload, 0, len(batch))
		msgs := make([]any, 0, len(batch))
		for _, o := range batch {
			p := ToPayload(o, traceID, d.now())
			payloads = append(payloads, p)
			msgs = append(msgs, p)
		}

		err := d.publisher.PublishBatch(ctx, mqcontracts.RoutingKeyOccurrenceDue, msgs)
		if err == nil {
			metrics.IncrementDispatchBatch("published")
			res.Published += len(batch)
			continue
		}

		log.Warn("Batch publish failed, parking in outbox",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		if parkErr := d.park(ctx, payloads); parkErr != nil {
			metrics.IncrementDispatchBatch("error")
			log.Error("Failed to park batch, rows stay pending",
				zap.Int("batch_size", len(batch)),
				zap.Error(parkErr),
			)
			return res, fmt.Errorf("enqueue batch at %d: publish: %w; park: %w", start, err, parkErr)
		}
		metrics.IncrementDispatchBatch("parked")
		res.Parked += len(batch)
	}

	if len(occs) > 0 {
		log.Info("Occurrences enqueued",
			zap.Int("published", res.Published),
			zap.Int("parked", res.Parked),
		)
	}
	return res, nil
}

func (d *Dispatcher) park(ctx context.Context, payloads []mqcontracts.OccurrenceDuePayload) error {
	events := make([]*outbox.Event, 0, len(payloads))
	for _, p := range payloads {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		events = append(events, &outbox.Event{
			AggregateType: "occurrence",
			AggregateID:   fmt.Sprintf("%s:%s:%d", p.UserID, p.EventID, p.ProcessYear),
			RoutingKey:    mqcontracts.RoutingKeyOccurrenceDue,
			Payload:       body,
			Status:        outbox.StatusPending,
		})
	}
	return d.parker.InsertBatch(ctx, events)
}

func ToPayload(o model.Occurrence, traceID string, now time.Time) mqcontracts.OccurrenceDuePayload {
	return mqcontracts.OccurrenceDuePayload{
		UserID:      o.UserID.String(),
		EventID:     o.EventID.String(),
		EventType:   string(o.Kind),
		ProcessYear: o.Year,
		Email:       o.Email,
		FirstName:   o.FirstName,
		LastName:    o.LastName,
		Timezone:    o.Timezone,
		EventDate:   o.EventDate.Format(mqcontracts.EventDateLayout),
		TraceID:     traceID,
		EnqueuedAt:  now.UTC(),
	}
}
