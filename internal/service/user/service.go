package user

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/schedule"
)

var ErrInvalidInput = errors.New("invalid input")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

type Repository interface {
	CreateWithEvents(ctx context.Context, u *model.User, events []*model.RecurringEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	Update(ctx context.Context, u *model.User) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type EventRepository interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.RecurringEvent, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.RecurringEvent, error)
	Reschedule(ctx context.Context, id uuid.UUID, expectedVersion int, next time.Time) (bool, error)
}

type ZoneLookup interface {
	Lookup(name string) (*time.Location, bool)
}

type EventInput struct {
	Kind model.EventKind `json:"kind"`
	Date string          `json:"date"`
}

type CreateInput struct {
	Email     string       `json:"email"`
	FirstName string       `json:"first_name"`
	LastName  string       `json:"last_name"`
	Timezone  string       `json:"timezone"`
	Events    []EventInput `json:"events"`
}

// UpdateInput changes the non-nil fields of a user whose version is Version.
type UpdateInput struct {
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Timezone  *string `json:"timezone"`
	Version   int     `json:"version"`
}

type View struct {
	model.User
	Events []*model.RecurringEvent `json:"events"`
}

type Service struct {
	users      Repository
	events     EventRepository
	zones      ZoneLookup
	targetHour int
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(users Repository, events EventRepository, zones ZoneLookup, targetHour int, logger *zap.Logger) *Service {
	return &Service{
		users:      users,
		events:     events,
		zones:      zones,
		targetHour: targetHour,
		logger:     logger,
		now:        time.Now,
	}
}

// Create registers a user with its recurring events. Each event gets its
// month-day key and first trigger instant.
func (s *Service) Create(ctx context.Context, in CreateInput) (*View, error) {
	u := &model.User{
		ID:        uuid.New(),
		Email:     strings.TrimSpace(in.Email),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Timezone:  strings.TrimSpace(in.Timezone),
	}
	loc, err := s.validateProfile(u)
	if err != nil {
		return nil, err
	}
	if len(in.Events) == 0 {
		return nil, &ValidationError{Field: "events", Message: "at least one event is required"}
	}

	now := s.now()
	seen := map[model.EventKind]bool{}
	events := make([]*model.RecurringEvent, 0, len(in.Events))
	for i, ev := range in.Events {
		field := fmt.Sprintf("events[%d]", i)
		if !ev.Kind.Valid() {
			return nil, &ValidationError{Field: field + ".kind", Message: fmt.Sprintf("unknown kind %q", ev.Kind)}
		}
		if seen[ev.Kind] {
			return nil, &ValidationError{Field: field + ".kind", Message: "duplicate kind"}
		}
		seen[ev.Kind] = true

		date, err := schedule.ParseDate(ev.Date)
		if err != nil {
			return nil, &ValidationError{Field: field + ".date", Message: "must be YYYY-MM-DD"}
		}
		events = append(events, &model.RecurringEvent{
			ID:           uuid.New(),
			UserID:       u.ID,
			Kind:         ev.Kind,
			EventDate:    date,
			MonthDay:     schedule.MonthDayKey(date),
			NextNotifyAt: schedule.NextTrigger(date, loc, s.targetHour, now),
		})
	}

	if err := s.users.CreateWithEvents(ctx, u, events); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("User registered",
		zap.String("user_id", u.ID.String()),
		zap.String("timezone", u.Timezone),
		zap.Int("events", len(events)),
	)
	return &View{User: *u, Events: events}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{User: *u, Events: events}, nil
}

// Update applies a profile change with optimistic locking. A timezone change
// recomputes every event's next trigger.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*View, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	oldTZ := u.Timezone

	if in.Email != nil {
		u.Email = strings.TrimSpace(*in.Email)
	}
	if in.FirstName != nil {
		u.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		u.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.Timezone != nil {
		u.Timezone = strings.TrimSpace(*in.Timezone)
	}
	loc, err := s.validateProfile(u)
	if err != nil {
		return nil, err
	}

	u.Version = in.Version
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}

	if u.Timezone != oldTZ {
		if err := s.reschedule(ctx, u.ID, loc); err != nil {
			return nil, err
		}
		s.logger.Info("User timezone changed",
			zap.String("user_id", u.ID.String()),
			zap.String("from", oldTZ),
			zap.String("to", u.Timezone),
		)
	}
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("User deleted", zap.String("user_id", id.String()))
	return nil
}

func (s *Service) reschedule(ctx context.Context, userID uuid.UUID, loc *time.Location) error {
	events, err := s.events.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, e := range events {
		for attempt := 0; ; attempt++ {
			ok, err := s.events.Reschedule(ctx, e.ID, e.Version, schedule.NextTrigger(e.EventDate, loc, s.targetHour, now))
			if err != nil {
				return err
			}
			if ok {
				break
			}
			if attempt == 2 {
				return fmt.Errorf("reschedule event %s: version kept changing", e.ID)
			}
			if e, err = s.events.GetByID(ctx, e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) validateProfile(u *model.User) (*time.Location, error) {
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return nil, &ValidationError{Field: "email", Message: "must be a valid address"}
	}
	if u.FirstName == "" {
		return nil, &ValidationError{Field: "first_name", Message: "is required"}
	}
	if u.LastName == "" {
		return nil, &ValidationError{Field: "last_name", Message: "is required"}
	}
	loc, ok := s.zones.Lookup(u.Timezone)
	if !ok {
		return nil, &ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", u.Timezone)}
	}
	return loc, nil
}
