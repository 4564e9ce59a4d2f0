package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"anniversary-notifier/internal/model"
)

type EventRepository struct {
	db *pgxpool.Pool
}

func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `e.id, e.user_id, e.kind, e.event_date, e.month_day, e.next_notify_at,
	e.version, e.created_at, e.updated_at`

func scanEvent(row pgx.Row, e *model.RecurringEvent, extra ...any) error {
	var kind string
	dest := append([]any{
		&e.ID, &e.UserID, &kind, &e.EventDate, &e.MonthDay, &e.NextNotifyAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	e.Kind = model.EventKind(kind)
	return nil
}

// FindByMonthDay returns the events whose month-day is one of keys and whose
// owner lives in one of zones. Year and LocalDate are left for the caller.
func (r *EventRepository) FindByMonthDay(ctx context.Context, zones, keys []string) ([]model.Occurrence, error) {
	if len(zones) == 0 || len(keys) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT e.id, e.user_id, e.kind, e.event_date,
		       u.email, u.first_name, u.last_name, u.timezone
		FROM recurring_events e
		JOIN users u ON u.id = e.user_id
		WHERE e.month_day = ANY($1) AND u.timezone = ANY($2)
		ORDER BY e.user_id, e.id
	`, keys, zones)
	if err != nil {
		return nil, fmt.Errorf("find events by month day: %w", err)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		var o model.Occurrence
		var kind string
		if err := rows.Scan(&o.EventID, &o.UserID, &kind, &o.EventDate,
			&o.Email, &o.FirstName, &o.LastName, &o.Timezone); err != nil {
			return nil, fmt.Errorf("scan due event: %w", err)
		}
		o.Kind = model.EventKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.RecurringEvent, error) {
	var e model.RecurringEvent
	err := scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM recurring_events e WHERE e.id = $1`, id), &e)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &e, nil
}

func (r *EventRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.RecurringEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM recurring_events e
		WHERE e.user_id = $1
		ORDER BY e.kind, e.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*model.RecurringEvent
	for rows.Next() {
		var e model.RecurringEvent
		if err := scanEvent(rows, &e); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Reschedule moves next_notify_at only if the row still has expectedVersion.
// It returns false when another writer got there first.
func (r *EventRepository) Reschedule(ctx context.Context, id uuid.UUID, expectedVersion int, next time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE recurring_events
		SET next_notify_at = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, id, expectedVersion, next)
	if err != nil {
		return false, fmt.Errorf("reschedule event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUpcoming returns events whose next trigger falls in [from, to).
func (r *EventRepository) ListUpcoming(ctx context.Context, from, to time.Time, limit int) ([]model.UpcomingEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`, u.email, u.timezone
		FROM recurring_events e
		JOIN users u ON u.id = e.user_id
		WHERE e.next_notify_at >= $1 AND e.next_notify_at < $2
		ORDER BY e.next_notify_at
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list upcoming events: %w", err)
	}
	defer rows.Close()

	var out []model.UpcomingEvent
	for rows.Next() {
		var ue model.UpcomingEvent
		if err := scanEvent(rows, &ue.RecurringEvent, &ue.Email, &ue.Timezone); err != nil {
			return nil, fmt.Errorf("scan upcoming event: %w", err)
		}
		out = append(out, ue)
	}
	return out, rows.Err()
}
