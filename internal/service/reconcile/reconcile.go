package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/repository"
	"anniversary-notifier/internal/service/dispatch"
	"anniversary-notifier/pkg/metrics"
	"anniversary-notifier/pkg/trace"
)

type Store interface {
	ListByStatus(ctx context.Context, status model.SentStatus, olderThan time.Time, limit int) ([]repository.ClaimedOccurrence, error)
	Transition(ctx context.Context, id uuid.UUID, from model.SentStatus, seenAt time.Time, to model.SentStatus) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, occs []model.Occurrence) (dispatch.Result, error)
}

// Reconciler re-enqueues claims that never reached a final state and replays
// failed ones on request.
type Reconciler struct {
	store      Store
	dispatcher Enqueuer
	staleAfter time.Duration
	batchSize  int
	logger     *zap.Logger
}

func NewReconciler(store Store, dispatcher Enqueuer, staleAfter time.Duration, batchSize int, logger *zap.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{
		store:      store,
		dispatcher: dispatcher,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// RequeueStale re-enqueues pending rows untouched since now-staleAfter. Each
// row is refreshed by compare-and-swap first, so concurrent reconcilers
// requeue a row once.
func (r *Reconciler) RequeueStale(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.store.ListByStatus(ctx, model.StatusPending, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	return r.requeue(ctx, rows, model.StatusPending, "stale_pending")
}

// ReplayFailed moves up to limit failed rows back to pending and enqueues them.
func (r *Reconciler) ReplayFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > r.batchSize {
		limit = r.batchSize
	}
	rows, err := r.store.ListByStatus(ctx, model.StatusFailed, time.Now().Add(time.Second), limit)
	if err != nil {
		return 0, fmt.Errorf("list failed: %w", err)
	}
	return r.requeue(ctx, rows, model.StatusFailed, "replay_failed")
}

func (r *Reconciler) requeue(ctx context.Context, rows []repository.ClaimedOccurrence, from model.SentStatus, reason string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, _ = trace.Ensure(ctx)

	var (
		owned []model.Occurrence
		errs  []error
	)
	for _, row := range rows {
		ok, err := r.store.Transition(ctx, row.SentLogID, from, row.UpdatedAt, model.StatusPending)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			owned = append(owned, row.Occurrence)
		}
	}

	res, err := r.dispatcher.Enqueue(ctx, owned)
	if err != nil {
		errs = append(errs, err)
	}
	n := res.Published + res.Parked
	metrics.AddReconciled(reason, n)

	r.logger.Info("Reconciled occurrences",
		zap.String("reason", reason),
		zap.String("trace_id", trace.FromContext(ctx)),
		zap.Int("candidates", len(rows)),
		zap.Int("requeued", n),
	)
	return n, errors.Join(errs...)
}

// Register schedules RequeueStale on c.
func (r *Reconciler) Register(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		if _, err := r.RequeueStale(ctx, time.Now()); err != nil {
			r.logger.Warn("Stale pending reconcile failed", zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("register reconcile %q: %w", spec, err)
	}
	return id, nil
}
