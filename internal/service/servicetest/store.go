// Package servicetest provides in-memory stand-ins for the Postgres
// repositories and the broker, shared by the service package tests.
package servicetest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/repository"
	"anniversary-notifier/internal/schedule"
)

type occKey struct {
	user, event uuid.UUID
	year        int
}

// Store mirrors the users, recurring_events and sent_logs tables, including
// the unique (user, event, year) constraint.
type Store struct {
	mu     sync.Mutex
	Now    func() time.Time
	users  map[uuid.UUID]*model.User
	events map[uuid.UUID]*model.RecurringEvent
	logs   map[occKey]*model.SentLog

	// FailClaims makes TryClaim return this error when set.
	FailClaims error
	// FailFinalize makes Finalize return this error when set.
	FailFinalize error
}

func NewStore() *Store {
	return &Store{
		Now:    time.Now,
		users:  map[uuid.UUID]*model.User{},
		events: map[uuid.UUID]*model.RecurringEvent{},
		logs:   map[occKey]*model.SentLog{},
	}
}

// AddUser registers a user with one event per kind and returns the events.
func (s *Store) AddUser(u *model.User, dates map[model.EventKind]string) []*model.RecurringEvent {
	var events []*model.RecurringEvent
	kinds := make([]model.EventKind, 0, len(dates))
	for k := range dates {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		d, err := schedule.ParseDate(dates[kind])
		if err != nil {
			panic(err)
		}
		events = append(events, &model.RecurringEvent{
			ID:        uuid.New(),
			UserID:    u.ID,
			Kind:      kind,
			EventDate: d,
			MonthDay:  schedule.MonthDayKey(d),
		})
	}
	if err := s.CreateWithEvents(context.Background(), u, events); err != nil {
		panic(err)
	}
	return events
}

func (s *Store) CreateWithEvents(_ context.Context, u *model.User, events []*model.RecurringEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Version = 1
	cp := *u
	s.users[u.ID] = &cp
	for _, e := range events {
		e.UserID = u.ID
		e.Version = 1
		ec := *e
		s.events[e.ID] = &ec
	}
	return nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) Update(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != u.Version {
		return repository.ErrVersionConflict
	}
	u.Version++
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.users, id)
	for eid, e := range s.events {
		if e.UserID == id {
			delete(s.events, eid)
		}
	}
	for k := range s.logs {
		if k.user == id {
			delete(s.logs, k)
		}
	}
	return nil
}

// Events implements the event repository on top of the same tables.
func (s *Store) Events() *EventStore { return &EventStore{s: s} }

type EventStore struct{ s *Store }

func (es *EventStore) FindByMonthDay(_ context.Context, zones, keys []string) ([]model.Occurrence, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Occurrence
	for _, e := range s.events {
		u := s.users[e.UserID]
		if u == nil || !slices.Contains(zones, u.Timezone) || !slices.Contains(keys, e.MonthDay) {
			continue
		}
		out = append(out, model.Occurrence{
			UserID:    u.ID,
			EventID:   e.ID,
			Kind:      e.Kind,
			Email:     u.Email,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Timezone:  u.Timezone,
			EventDate: e.EventDate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID.String() < out[j].EventID.String() })
	return out, nil
}

func (es *EventStore) GetByID(_ context.Context, id uuid.UUID) (*model.RecurringEvent, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (es *EventStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*model.RecurringEvent, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RecurringEvent
	for _, e := range s.events {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (es *EventStore) Reschedule(_ context.Context, id uuid.UUID, expectedVersion int, next time.Time) (bool, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Version != expectedVersion {
		return false, nil
	}
	e.NextNotifyAt = next
	e.Version++
	return true, nil
}

func (es *EventStore) ListUpcoming(_ context.Context, from, to time.Time, limit int) ([]model.UpcomingEvent, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UpcomingEvent
	for _, e := range s.events {
		if e.NextNotifyAt.Before(from) || !e.NextNotifyAt.Before(to) {
			continue
		}
		u := s.users[e.UserID]
		out = append(out, model.UpcomingEvent{RecurringEvent: *e, Email: u.Email, Timezone: u.Timezone})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextNotifyAt.Before(out[j].NextNotifyAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TryClaim(_ context.Context, userID, eventID uuid.UUID, year int, reclaimAfter time.Duration) (model.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailClaims != nil {
		return model.ClaimResult{}, s.FailClaims
	}

	k := occKey{userID, eventID, year}
	now := s.Now()
	row, ok := s.logs[k]
	if !ok {
		s.logs[k] = &model.SentLog{
			ID: uuid.New(), UserID: userID, EventID: eventID, Year: year,
			Status: model.StatusPending, CreatedAt: now, UpdatedAt: now,
		}
		return model.ClaimResult{Claimed: true, Status: model.StatusPending}, nil
	}
	if row.Status == model.StatusFailed && row.UpdatedAt.Before(now.Add(-reclaimAfter)) {
		row.Status = model.StatusPending
		row.UpdatedAt = now
		return model.ClaimResult{Claimed: true, Status: model.StatusPending, Reclaimed: true}, nil
	}
	return model.ClaimResult{Status: row.Status}, nil
}

func (s *Store) Finalize(_ context.Context, userID, eventID uuid.UUID, year int, status model.SentStatus, lastError string) (model.SentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailFinalize != nil {
		return "", s.FailFinalize
	}
	row, ok := s.logs[occKey{userID, eventID, year}]
	if !ok {
		return "", repository.ErrNotFound
	}
	if row.Status == model.StatusSent {
		return row.Status, nil
	}
	row.Status = status
	row.Attempts++
	row.LastError = lastError
	row.UpdatedAt = s.Now()
	return row.Status, nil
}

func (s *Store) GetStatus(_ context.Context, userID, eventID uuid.UUID, year int) (model.SentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.logs[occKey{userID, eventID, year}]
	if !ok {
		return "", repository.ErrNotFound
	}
	return row.Status, nil
}

func (s *Store) ListByStatus(_ context.Context, status model.SentStatus, olderThan time.Time, limit int) ([]repository.ClaimedOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.ClaimedOccurrence
	for _, row := range s.logs {
		if row.Status != status || !row.UpdatedAt.Before(olderThan) {
			continue
		}
		u, e := s.users[row.UserID], s.events[row.EventID]
		if u == nil || e == nil {
			continue
		}
		out = append(out, repository.ClaimedOccurrence{
			SentLogID: row.ID,
			Status:    row.Status,
			UpdatedAt: row.UpdatedAt,
			Occurrence: model.Occurrence{
				UserID: u.ID, EventID: e.ID, Kind: e.Kind, Year: row.Year,
				Email: u.Email, FirstName: u.FirstName, LastName: u.LastName,
				Timezone: u.Timezone, EventDate: e.EventDate,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Transition(_ context.Context, id uuid.UUID, from model.SentStatus, seenAt time.Time, to model.SentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.logs {
		if row.ID != id {
			continue
		}
		if row.Status != from || !row.UpdatedAt.Equal(seenAt) {
			return false, nil
		}
		row.Status = to
		row.UpdatedAt = s.Now()
		// 保证 updated_at 单调，CAS 才能区分两次读取
		if !row.UpdatedAt.After(seenAt) {
			row.UpdatedAt = seenAt.Add(time.Microsecond)
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) ListFailed(_ context.Context, limit int) ([]model.SentLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SentLog
	for _, row := range s.logs {
		if row.Status == model.StatusFailed {
			out = append(out, *row)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SentLog returns a copy of the row for the occurrence.
func (s *Store) SentLog(userID, eventID uuid.UUID, year int) (model.SentLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.logs[occKey{userID, eventID, year}]
	if !ok {
		return model.SentLog{}, false
	}
	return *row, true
}

// SentLogCount returns the number of rows for (user, event) across years.
func (s *Store) SentLogCount(userID, eventID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.logs {
		if k.user == userID && k.event == eventID {
			n++
		}
	}
	return n
}

// Age moves the updated_at of every row back by d.
func (s *Store) Age(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.logs {
		row.UpdatedAt = row.UpdatedAt.Add(-d)
	}
}
