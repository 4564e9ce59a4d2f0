package guard

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/pkg/metrics"
)

type Store interface {
	TryClaim(ctx context.Context, userID, eventID uuid.UUID, year int, reclaimAfter time.Duration) (model.ClaimResult, error)
	Finalize(ctx context.Context, userID, eventID uuid.UUID, year int, status model.SentStatus, lastError string) (model.SentStatus, error)
	GetStatus(ctx context.Context, userID, eventID uuid.UUID, year int) (model.SentStatus, error)
}

// Guard gates occurrences through the sent-log so each (user, event, year)
// is claimed at most once while pending or sent.
type Guard struct {
	store        Store
	reclaimAfter time.Duration
	logger       *zap.Logger
}

func NewGuard(store Store, reclaimAfter time.Duration, logger *zap.Logger) *Guard {
	return &Guard{store: store, reclaimAfter: reclaimAfter, logger: logger}
}

func (g *Guard) TryClaim(ctx context.Context, o model.Occurrence) (model.ClaimResult, error) {
	res, err := g.store.TryClaim(ctx, o.UserID, o.EventID, o.Year, g.reclaimAfter)
	if err != nil {
		metrics.IncrementClaim("error")
		return res, err
	}

	switch {
	case res.Reclaimed:
		metrics.IncrementClaim("reclaimed")
		g.logger.Info("Reclaimed failed occurrence",
			zap.String("user_id", o.UserID.String()),
			zap.String("event_id", o.EventID.String()),
			zap.Int("year", o.Year),
		)
	case res.Claimed:
		metrics.IncrementClaim("claimed")
	default:
		metrics.IncrementClaim("duplicate")
		g.logger.Info("Skipped already claimed occurrence",
			zap.String("user_id", o.UserID.String()),
			zap.String("event_id", o.EventID.String()),
			zap.Int("year", o.Year),
			zap.String("status", string(res.Status)),
		)
	}
	return res, nil
}

// ClaimAll claims each occurrence and returns the ones this caller owns.
// Occurrences whose claim errored are left out and reported in the error;
// they are picked up again on a later tick.
func (g *Guard) ClaimAll(ctx context.Context, occs []model.Occurrence) ([]model.Occurrence, error) {
	claimed := make([]model.Occurrence, 0, len(occs))
	var errs []error
	for _, o := range occs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := g.TryClaim(ctx, o)
		if err != nil {
			g.logger.Error("Failed to claim occurrence",
				zap.String("occurrence", o.Key()),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if res.Claimed {
			claimed = append(claimed, o)
		}
	}
	return claimed, errors.Join(errs...)
}

func (g *Guard) Status(ctx context.Context, userID, eventID uuid.UUID, year int) (model.SentStatus, error) {
	return g.store.GetStatus(ctx, userID, eventID, year)
}

// Finalize records the delivery outcome and returns the stored status, which
// stays sent when the row was already sent.
func (g *Guard) Finalize(ctx context.Context, userID, eventID uuid.UUID, year int, status model.SentStatus, lastError string) (model.SentStatus, error) {
	stored, err := g.store.Finalize(ctx, userID, eventID, year, status, lastError)
	if err != nil {
		return "", err
	}
	if stored != status {
		g.logger.Info("Finalize left terminal status untouched",
			zap.String("user_id", userID.String()),
			zap.String("event_id", eventID.String()),
			zap.Int("year", year),
			zap.String("requested", string(status)),
			zap.String("stored", string(stored)),
		)
	}
	return stored, nil
}
