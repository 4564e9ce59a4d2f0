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

type SentLogRepository struct {
	db *pgxpool.Pool
}

func NewSentLogRepository(db *pgxpool.Pool) *SentLogRepository {
	return &SentLogRepository{db: db}
}

// ClaimedOccurrence is a sent-log row joined with what is needed to requeue it.
type ClaimedOccurrence struct {
	SentLogID  uuid.UUID
	Status     model.SentStatus
	UpdatedAt  time.Time
	Occurrence model.Occurrence
}

// TryClaim inserts a pending row for the occurrence. When a row exists, a
// failed one not touched for reclaimAfter is switched back to pending and
// counts as claimed; anything else is reported with its status.
func (r *SentLogRepository) TryClaim(ctx context.Context, userID, eventID uuid.UUID, year int, reclaimAfter time.Duration) (model.ClaimResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return model.ClaimResult{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO sent_logs (id, user_id, event_id, year, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT ON CONSTRAINT sent_logs_occurrence_uq DO NOTHING
	`, uuid.New(), userID, eventID, year)
	if err != nil {
		return model.ClaimResult{}, fmt.Errorf("insert sent log: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return model.ClaimResult{}, fmt.Errorf("commit claim: %w", err)
		}
		return model.ClaimResult{Claimed: true, Status: model.StatusPending}, nil
	}

	var (
		id     uuid.UUID
		status string
		idle   bool
	)
	err = tx.QueryRow(ctx, `
		SELECT id, status, updated_at < NOW() - $4 * INTERVAL '1 second'
		FROM sent_logs
		WHERE user_id = $1 AND event_id = $2 AND year = $3
		FOR UPDATE
	`, userID, eventID, year, int64(reclaimAfter/time.Second)).Scan(&id, &status, &idle)
	if err != nil {
		// 插入冲突后行又被删掉（用户被删除）
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ClaimResult{}, ErrNotFound
		}
		return model.ClaimResult{}, fmt.Errorf("read existing sent log: %w", err)
	}

	if model.SentStatus(status) != model.StatusFailed || !idle {
		return model.ClaimResult{Status: model.SentStatus(status)}, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE sent_logs
		SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return model.ClaimResult{}, fmt.Errorf("reclaim failed sent log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ClaimResult{}, fmt.Errorf("commit reclaim: %w", err)
	}
	return model.ClaimResult{
		Claimed:   tag.RowsAffected() == 1,
		Status:    model.StatusPending,
		Reclaimed: tag.RowsAffected() == 1,
	}, nil
}

// Finalize records a delivery outcome. A sent row is never overwritten; in
// that case Finalize returns the stored status and no error.
func (r *SentLogRepository) Finalize(ctx context.Context, userID, eventID uuid.UUID, year int, status model.SentStatus, lastError string) (model.SentStatus, error) {
	if status != model.StatusSent && status != model.StatusFailed {
		return "", fmt.Errorf("finalize with status %q", status)
	}

	var errText *string
	if lastError != "" {
		errText = &lastError
	}

	var stored string
	err := r.db.QueryRow(ctx, `
		UPDATE sent_logs
		SET status = $4, attempts = attempts + 1, last_error = $5, updated_at = NOW()
		WHERE user_id = $1 AND event_id = $2 AND year = $3 AND status <> 'sent'
		RETURNING status
	`, userID, eventID, year, string(status), errText).Scan(&stored)
	if err == nil {
		return model.SentStatus(stored), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("finalize sent log: %w", err)
	}

	current, err := r.GetStatus(ctx, userID, eventID, year)
	if err != nil {
		return "", err
	}
	return current, nil
}

func (r *SentLogRepository) GetStatus(ctx context.Context, userID, eventID uuid.UUID, year int) (model.SentStatus, error) {
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT status FROM sent_logs
		WHERE user_id = $1 AND event_id = $2 AND year = $3
	`, userID, eventID, year).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get sent log status: %w", err)
	}
	return model.SentStatus(status), nil
}

// ListByStatus returns rows in status whose updated_at is before olderThan,
// oldest first, joined with their event and user.
func (r *SentLogRepository) ListByStatus(ctx context.Context, status model.SentStatus, olderThan time.Time, limit int) ([]ClaimedOccurrence, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.id, s.status, s.updated_at, s.year,
		       e.id, e.kind, e.event_date,
		       u.id, u.email, u.first_name, u.last_name, u.timezone
		FROM sent_logs s
		JOIN recurring_events e ON e.id = s.event_id
		JOIN users u ON u.id = s.user_id
		WHERE s.status = $1 AND s.updated_at < $2
		ORDER BY s.updated_at
		LIMIT $3
	`, string(status), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s sent logs: %w", status, err)
	}
	defer rows.Close()

	var out []ClaimedOccurrence
	for rows.Next() {
		var (
			c        ClaimedOccurrence
			st, kind string
			o        = &c.Occurrence
		)
		if err := rows.Scan(&c.SentLogID, &st, &c.UpdatedAt, &o.Year,
			&o.EventID, &kind, &o.EventDate,
			&o.UserID, &o.Email, &o.FirstName, &o.LastName, &o.Timezone); err != nil {
			return nil, fmt.Errorf("scan sent log: %w", err)
		}
		c.Status = model.SentStatus(st)
		o.Kind = model.EventKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Transition moves a row from one status to another only if it is unchanged
// since it was read (same status and updated_at).
func (r *SentLogRepository) Transition(ctx context.Context, id uuid.UUID, from model.SentStatus, seenAt time.Time, to model.SentStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sent_logs
		SET status = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND updated_at = $3
	`, id, string(from), seenAt, string(to))
	if err != nil {
		return false, fmt.Errorf("transition sent log: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SentLogRepository) ListFailed(ctx context.Context, limit int) ([]model.SentLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, event_id, year, status, attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM sent_logs
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed sent logs: %w", err)
	}
	defer rows.Close()

	var out []model.SentLog
	for rows.Next() {
		var s model.SentLog
		var st string
		if err := rows.Scan(&s.ID, &s.UserID, &s.EventID, &s.Year, &st, &s.Attempts,
			&s.LastError, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan failed sent log: %w", err)
		}
		s.Status = model.SentStatus(st)
		out = append(out, s)
	}
	return out, rows.Err()
}
