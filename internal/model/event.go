package model

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindBirthday    EventKind = "birthday"
	KindAnniversary EventKind = "anniversary"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindBirthday, KindAnniversary:
		return true
	}
	return false
}

// RecurringEvent is a yearly date owned by a user. EventDate is a civil date
// stored at UTC midnight; MonthDay is its "MM-DD" and keeps "02-29" as is.
type RecurringEvent struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Kind         EventKind `json:"kind"`
	EventDate    time.Time `json:"event_date"`
	MonthDay     string    `json:"month_day"`
	NextNotifyAt time.Time `json:"next_notify_at"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UpcomingEvent is an event joined with its owner, used by the admin views.
type UpcomingEvent struct {
	RecurringEvent
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
}
