package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "anniversary-notifier/contracts/mq"
	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/repository"
	"anniversary-notifier/internal/schedule"
	"anniversary-notifier/internal/sink"
	"anniversary-notifier/pkg/logger"
	"anniversary-notifier/pkg/metrics"
	"anniversary-notifier/pkg/util"
)

const leaseScope = "occurrence"

type Kind int

const (
	// Success means the message is done with: delivered, already delivered,
	// or not deliverable at all.
	Success Kind = iota
	Retry
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome tells the transport what to do with a delivery. It is independent
// of the sent-log status.
type Outcome struct {
	Kind   Kind
	Delay  time.Duration
	Reason string
}

type Ledger interface {
	Status(ctx context.Context, userID, eventID uuid.UUID, year int) (model.SentStatus, error)
	Finalize(ctx context.Context, userID, eventID uuid.UUID, year int, status model.SentStatus, lastError string) (model.SentStatus, error)
}

type Sender interface {
	Send(ctx context.Context, idempotencyKey string, msg sink.Message) error
}

type Lease interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Release(ctx context.Context, scope, key string)
}

type AttemptCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type EventScheduler interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.RecurringEvent, error)
	Reschedule(ctx context.Context, id uuid.UUID, expectedVersion int, next time.Time) (bool, error)
}

type Config struct {
	TargetHour     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxAttempts    int64
}

type Worker struct {
	ledger   Ledger
	sender   Sender
	lease    Lease
	attempts AttemptCounter
	events   EventScheduler
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewWorker(
	ledger Ledger,
	sender Sender,
	lease Lease,
	attempts AttemptCounter,
	events EventScheduler,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Minute
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		ledger:   ledger,
		sender:   sender,
		lease:    lease,
		attempts: attempts,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle delivers one due occurrence. It acknowledges only once the sent-log
// reflects the delivery, and never sends for a row that is already sent.
func (w *Worker) Handle(ctx context.Context, msg mqcontracts.OccurrenceDuePayload) Outcome {
	log := logger.WithTrace(ctx, w.logger).With(
		zap.String("user_id", msg.UserID),
		zap.String("event_id", msg.EventID),
		zap.Int("year", msg.ProcessYear),
	)

	userID, err1 := uuid.Parse(msg.UserID)
	eventID, err2 := uuid.Parse(msg.EventID)
	if err := errors.Join(err1, err2); err != nil {
		log.Error("Malformed occurrence ids", zap.Error(err))
		metrics.IncrementDelivery("dead_lettered")
		return Outcome{Kind: Fatal, Reason: "malformed ids"}
	}
	year := msg.ProcessYear
	key := model.OccurrenceKey(userID, eventID, year)

	status, err := w.ledger.Status(ctx, userID, eventID, year)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// 没有 pending 记录说明不是调度器发出的，丢弃
		log.Error("No sent-log row for occurrence, dropping")
		metrics.IncrementDelivery("dropped")
		return Outcome{Kind: Success, Reason: "sent-log row missing"}
	case err != nil:
		log.Warn("Failed to read sent-log status", zap.Error(err))
		return Outcome{Kind: Retry, Delay: w.cfg.RetryBaseDelay, Reason: "status read failed"}
	case status == model.StatusSent:
		log.Info("Occurrence already sent, skipping")
		metrics.IncrementDelivery("skipped")
		return Outcome{Kind: Success, Reason: "already sent"}
	}

	if !w.lease.AcquireOnce(ctx, leaseScope, key) {
		log.Info("Occurrence is in flight elsewhere, skipping")
		metrics.IncrementDelivery("skipped")
		return Outcome{Kind: Success, Reason: "lease held"}
	}
	defer w.lease.Release(context.WithoutCancel(ctx), leaseScope, key)

	body, err := Render(model.EventKind(msg.EventType), msg.FirstName, msg.LastName)
	if err != nil {
		return w.fail(ctx, log, userID, eventID, year, key, err, true)
	}

	if err := w.sender.Send(ctx, key, sink.Message{Email: msg.Email, Message: body}); err != nil {
		return w.fail(ctx, log, userID, eventID, year, key, err, false)
	}

	if _, err := w.ledger.Finalize(ctx, userID, eventID, year, model.StatusSent, ""); err != nil {
		// 已经发出但没记下来：重投时可能重复发送
		log.Error("Delivered but failed to record sent", zap.Error(err))
		return Outcome{Kind: Retry, Delay: w.cfg.RetryBaseDelay, Reason: "finalize sent failed"}
	}
	metrics.IncrementDelivery("sent")
	log.Info("Occurrence delivered")

	w.resetAttempts(ctx, log, key)
	w.advance(ctx, log, eventID, msg.Timezone)
	return Outcome{Kind: Success}
}

// fail records the failed attempt. Permanent failures, including sink
// answers that report themselves as not retryable, are dead-lettered at once;
// the rest back off until MaxAttempts.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, userID, eventID uuid.UUID, year int, key string, cause error, permanent bool) Outcome {
	retryable, errType := util.IsRetryableError(cause)
	log = log.With(zap.String("error_type", errType), zap.Bool("retryable", retryable), zap.Error(cause))

	if _, err := w.ledger.Finalize(ctx, userID, eventID, year, model.StatusFailed, cause.Error()); err != nil {
		log.Error("Failed to record failed delivery", zap.NamedError("finalize_error", err))
		return Outcome{Kind: Retry, Delay: w.cfg.RetryBaseDelay, Reason: "recording failure failed"}
	}
	metrics.IncrementDelivery("failed")

	var r util.Retryable
	if errors.As(cause, &r) && !r.Retryable() {
		permanent = true
	}
	if permanent {
		log.Error("Delivery cannot succeed, dead-lettering")
		metrics.IncrementDelivery("dead_lettered")
		w.resetAttempts(ctx, log, key)
		return Outcome{Kind: Fatal, Reason: cause.Error()}
	}

	attempt, err := w.attempts.IncrementAndGet(ctx, util.FormatRetryKey(leaseScope, key))
	if err != nil {
		log.Warn("Attempt counter unavailable", zap.NamedError("counter_error", err))
		attempt = 1
	}

	if attempt >= w.cfg.MaxAttempts {
		log.Error("Delivery failed, giving up", zap.Int64("attempt", attempt))
		metrics.IncrementDelivery("dead_lettered")
		// 行保持 failed；重放或回收后从第一档退避重新开始
		w.resetAttempts(ctx, log, key)
		return Outcome{Kind: Fatal, Reason: fmt.Sprintf("gave up after %d attempts: %v", attempt, cause)}
	}

	delay := util.Backoff(attempt, w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay)
	log.Warn("Delivery failed, will retry",
		zap.Int64("attempt", attempt),
		zap.Duration("delay", delay),
	)
	return Outcome{Kind: Retry, Delay: delay, Reason: cause.Error()}
}

func (w *Worker) resetAttempts(ctx context.Context, log *zap.Logger, key string) {
	if err := w.attempts.Reset(ctx, util.FormatRetryKey(leaseScope, key)); err != nil {
		log.Debug("Failed to reset attempt counter", zap.Error(err))
	}
}

// advance moves the event's next_notify_at past this occurrence. It is
// informational, so errors are only logged.
func (w *Worker) advance(ctx context.Context, log *zap.Logger, eventID uuid.UUID, tz string) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("Unknown timezone, next trigger not advanced", zap.String("timezone", tz))
		return
	}

	for range 2 {
		event, err := w.events.GetByID(ctx, eventID)
		if err != nil {
			log.Warn("Failed to load event for rescheduling", zap.Error(err))
			return
		}
		next := schedule.NextTrigger(event.EventDate, loc, w.cfg.TargetHour, w.now())
		ok, err := w.events.Reschedule(ctx, eventID, event.Version, next)
		if err != nil {
			log.Warn("Failed to advance next trigger", zap.Error(err))
			return
		}
		if ok {
			log.Debug("Next trigger advanced", zap.Time("next_notify_at", next))
			return
		}
	}
	log.Info("Next trigger changed concurrently, leaving it")
}
