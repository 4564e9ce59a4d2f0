package discovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/schedule"
)

type EventFinder interface {
	FindByMonthDay(ctx context.Context, zones, keys []string) ([]model.Occurrence, error)
}

type Discoverer struct {
	events EventFinder
	logger *zap.Logger
}

func NewDiscoverer(events EventFinder, logger *zap.Logger) *Discoverer {
	return &Discoverer{events: events, logger: logger}
}

// FindDue returns the occurrences due on localDate ("YYYY-MM-DD") for users in
// zones. On March 1 of a non-leap year Feb 29 events are included. Each
// (user, event) appears once and carries the bucket year.
func (d *Discoverer) FindDue(ctx context.Context, zones []string, localDate string) ([]model.Occurrence, error) {
	if len(zones) == 0 {
		return nil, nil
	}

	date, err := schedule.ParseDate(localDate)
	if err != nil {
		return nil, err
	}
	keys := schedule.DueMonthDays(date)

	found, err := d.events.FindByMonthDay(ctx, zones, keys)
	if err != nil {
		return nil, fmt.Errorf("find due events on %s: %w", localDate, err)
	}

	type pair struct{ user, event uuid.UUID }
	seen := make(map[pair]struct{}, len(found))
	out := make([]model.Occurrence, 0, len(found))
	for _, o := range found {
		p := pair{o.UserID, o.EventID}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}

		o.Year = date.Year()
		o.LocalDate = localDate
		out = append(out, o)
	}

	d.logger.Debug("Discovered due occurrences",
		zap.String("local_date", localDate),
		zap.Strings("month_days", keys),
		zap.Int("zones", len(zones)),
		zap.Int("occurrences", len(out)),
	)
	return out, nil
}
