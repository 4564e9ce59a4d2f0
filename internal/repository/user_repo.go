package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"anniversary-notifier/internal/model"
)

type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// CreateWithEvents inserts a user and its recurring events atomically.
func (r *UserRepository) CreateWithEvents(ctx context.Context, u *model.User, events []*model.RecurringEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, email, first_name, last_name, timezone, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		RETURNING version, created_at, updated_at
	`, u.ID, u.Email, u.FirstName, u.LastName, u.Timezone).Scan(&u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	for _, e := range events {
		err = tx.QueryRow(ctx, `
			INSERT INTO recurring_events (id, user_id, kind, event_date, month_day, next_notify_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, 1)
			RETURNING version, created_at, updated_at
		`, e.ID, u.ID, string(e.Kind), e.EventDate, e.MonthDay, e.NextNotifyAt).Scan(&e.Version, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.Kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, `
		SELECT id, email, first_name, last_name, timezone, version, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Timezone, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// Update writes the profile if the stored version still equals u.Version and
// bumps the version.
func (r *UserRepository) Update(ctx context.Context, u *model.User) error {
	err := r.db.QueryRow(ctx, `
		UPDATE users
		SET email = $3, first_name = $4, last_name = $5, timezone = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, u.ID, u.Version, u.Email, u.FirstName, u.LastName, u.Timezone).Scan(&u.Version, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, u.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (r *UserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
