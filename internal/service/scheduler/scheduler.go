package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/service/dispatch"
	"anniversary-notifier/internal/timezone"
	"anniversary-notifier/pkg/logger"
	"anniversary-notifier/pkg/metrics"
	"anniversary-notifier/pkg/trace"
)

const (
	windowActive  = "active"
	windowCatchUp = "catch_up"
)

type Discoverer interface {
	FindDue(ctx context.Context, zones []string, localDate string) ([]model.Occurrence, error)
}

type Claimer interface {
	ClaimAll(ctx context.Context, occs []model.Occurrence) ([]model.Occurrence, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, occs []model.Occurrence) (dispatch.Result, error)
}

// TickReport summarises one discovery pass.
type TickReport struct {
	At           time.Time `json:"at"`
	ActiveZones  int       `json:"active_zones"`
	CatchUpZones int       `json:"catch_up_zones"`
	Buckets      int       `json:"buckets"`
	Discovered   int       `json:"discovered"`
	Claimed      int       `json:"claimed"`
	Published    int       `json:"published"`
	Parked       int       `json:"parked"`
	TraceID      string    `json:"trace_id"`
}

type Scheduler struct {
	scanner     *timezone.Scanner
	discoverer  Discoverer
	guard       Claimer
	dispatcher  Enqueuer
	targetHour  int
	concurrency int
	logger      *zap.Logger
}

func NewScheduler(
	scanner *timezone.Scanner,
	discoverer Discoverer,
	guard Claimer,
	dispatcher Enqueuer,
	targetHour int,
	concurrency int,
	logger *zap.Logger,
) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		scanner:     scanner,
		discoverer:  discoverer,
		guard:       guard,
		dispatcher:  dispatcher,
		targetHour:  targetHour,
		concurrency: concurrency,
		logger:      logger,
	}
}

type bucketJob struct {
	window string
	date   string
	zones  []string
}

// Tick runs scanner -> bucketizer -> discoverer -> guard -> dispatcher for
// one instant. Buckets run concurrently; within a bucket claims complete
// before the enqueue. A failing bucket does not stop the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()

	ctx, traceID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, s.logger)

	w := s.scanner.Windows(now, s.targetHour)
	metrics.SetWindowTimezones(windowActive, len(w.Active))
	metrics.SetWindowTimezones(windowCatchUp, len(w.CatchUp))

	report := TickReport{
		At:           now.UTC(),
		ActiveZones:  len(w.Active),
		CatchUpZones: len(w.CatchUp),
		TraceID:      traceID,
	}
	if w.Empty() {
		log.Debug("No timezone at target hour", zap.Time("now", now))
		return report, nil
	}

	jobs := bucketJobs(windowActive, timezone.Bucketize(now, w.Active))
	jobs = append(jobs, bucketJobs(windowCatchUp, timezone.Bucketize(now, w.CatchUp))...)
	report.Buckets = len(jobs)

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			part, err := s.runBucket(ctx, log, job)

			mu.Lock()
			defer mu.Unlock()
			report.Discovered += part.Discovered
			report.Claimed += part.Claimed
			report.Published += part.Published
			report.Parked += part.Parked
			if err != nil {
				errs = append(errs, fmt.Errorf("%s bucket %s: %w", job.window, job.date, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	fields := []zap.Field{
		zap.Time("now", now),
		zap.Int("active_zones", report.ActiveZones),
		zap.Int("catch_up_zones", report.CatchUpZones),
		zap.Int("buckets", report.Buckets),
		zap.Int("discovered", report.Discovered),
		zap.Int("claimed", report.Claimed),
		zap.Int("published", report.Published),
		zap.Int("parked", report.Parked),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		log.Error("Tick finished with errors", append(fields, zap.Error(err))...)
	} else {
		log.Info("Tick finished", fields...)
	}
	return report, err
}

func (s *Scheduler) runBucket(ctx context.Context, log *zap.Logger, job bucketJob) (TickReport, error) {
	var part TickReport

	occs, err := s.discoverer.FindDue(ctx, job.zones, job.date)
	if err != nil {
		return part, err
	}
	part.Discovered = len(occs)
	metrics.AddDiscovered(job.window, len(occs))
	if len(occs) == 0 {
		return part, nil
	}

	claimed, claimErr := s.guard.ClaimAll(ctx, occs)
	part.Claimed = len(claimed)

	res, err := s.dispatcher.Enqueue(ctx, claimed)
	part.Published = res.Published
	part.Parked = res.Parked

	log.Debug("Bucket processed",
		zap.String("window", job.window),
		zap.String("local_date", job.date),
		zap.Int("zones", len(job.zones)),
		zap.Int("discovered", part.Discovered),
		zap.Int("claimed", part.Claimed),
	)
	return part, errors.Join(claimErr, err)
}

func bucketJobs(window string, buckets map[string][]string) []bucketJob {
	jobs := make([]bucketJob, 0, len(buckets))
	for _, date := range timezone.SortedDates(buckets) {
		jobs = append(jobs, bucketJob{window: window, date: date, zones: buckets[date]})
	}
	return jobs
}

// Register adds the tick to c under spec. Each run uses the wall clock and a
// fresh trace id.
func (s *Scheduler) Register(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		if _, err := s.Tick(ctx, time.Now()); err != nil {
			s.logger.Warn("Scheduled tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("register tick %q: %w", spec, err)
	}
	s.logger.Info("Tick scheduled",
		zap.String("spec", spec),
		zap.Int("target_hour", s.targetHour),
	)
	return id, nil
}
