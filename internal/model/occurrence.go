package model

import (
	"time"

	"github.com/google/uuid"
)

// Occurrence is a due (user, event, year) with the fields needed to render
// and address the message.
type Occurrence struct {
	UserID    uuid.UUID
	EventID   uuid.UUID
	Kind      EventKind
	Year      int
	Email     string
	FirstName string
	LastName  string
	Timezone  string
	EventDate time.Time
	// LocalDate is the bucket date ("YYYY-MM-DD") the occurrence was found in.
	LocalDate string
}

func (o Occurrence) Key() string {
	return OccurrenceKey(o.UserID, o.EventID, o.Year)
}
