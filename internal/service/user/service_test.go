package user

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/repository"
	"anniversary-notifier/internal/service/servicetest"
	"anniversary-notifier/internal/timezone"
)

func newService(t *testing.T) (*Service, *servicetest.Store) {
	t.Helper()
	catalog, err := timezone.NewStaticCatalog("Asia/Jakarta", "America/New_York", "UTC")
	require.NoError(t, err)

	store := servicetest.NewStore()
	s := NewService(store, store.Events(), catalog, 9, zap.NewNop())
	s.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s, store
}

func validInput() CreateInput {
	return CreateInput{
		Email:     "ani@example.com",
		FirstName: "Ani",
		LastName:  "Wijaya",
		Timezone:  "Asia/Jakarta",
		Events: []EventInput{
			{Kind: model.KindBirthday, Date: "1990-01-01"},
			{Kind: model.KindAnniversary, Date: "2016-02-29"},
		},
	}
}

func TestCreateDerivesKeysAndTriggers(t *testing.T) {
	s, _ := newService(t)

	view, err := s.Create(context.Background(), validInput())
	require.NoError(t, err)
	require.Len(t, view.Events, 2)

	birthday, anniversary := view.Events[0], view.Events[1]
	require.Equal(t, "01-01", birthday.MonthDay)
	require.True(t, time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC).Equal(birthday.NextNotifyAt))

	require.Equal(t, "02-29", anniversary.MonthDay)
	require.True(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC).Equal(anniversary.NextNotifyAt))

	got, err := s.Get(context.Background(), view.ID)
	require.NoError(t, err)
	require.Equal(t, "Ani", got.FirstName)
	require.Len(t, got.Events, 2)
}

func TestCreateValidation(t *testing.T) {
	s, _ := newService(t)

	tests := []struct {
		name  string
		mut   func(*CreateInput)
		field string
	}{
		{"bad email", func(in *CreateInput) { in.Email = "nope" }, "email"},
		{"no first name", func(in *CreateInput) { in.FirstName = " " }, "first_name"},
		{"unknown zone", func(in *CreateInput) { in.Timezone = "Mars/Base" }, "timezone"},
		{"no events", func(in *CreateInput) { in.Events = nil }, "events"},
		{"bad kind", func(in *CreateInput) { in.Events[0].Kind = "graduation" }, "events[0].kind"},
		{"bad date", func(in *CreateInput) { in.Events[1].Date = "2015-02-30" }, "events[1].date"},
		{"dup kind", func(in *CreateInput) { in.Events[1].Kind = model.KindBirthday }, "events[1].kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mut(&in)
			_, err := s.Create(context.Background(), in)
			require.ErrorIs(t, err, ErrInvalidInput)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestUpdateTimezoneReschedules(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	view, err := s.Create(ctx, validInput())
	require.NoError(t, err)

	tz := "America/New_York"
	updated, err := s.Update(ctx, view.ID, UpdateInput{Timezone: &tz, Version: view.Version})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	e, err := store.Events().GetByID(ctx, view.Events[0].ID)
	require.NoError(t, err)
	// 09:00 EST on 2026-01-01
	require.True(t, time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC).Equal(e.NextNotifyAt))
	require.Equal(t, 2, e.Version)
}

func TestUpdateVersionConflict(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	view, err := s.Create(ctx, validInput())
	require.NoError(t, err)

	name := "Anita"
	_, err = s.Update(ctx, view.ID, UpdateInput{FirstName: &name, Version: view.Version + 5})
	require.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestDelete(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	view, err := s.Create(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, view.ID))
	_, err = s.Get(ctx, view.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, uuid.New()), repository.ErrNotFound)
}
