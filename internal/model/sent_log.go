package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SentStatus string

const (
	StatusPending SentStatus = "pending"
	StatusSent    SentStatus = "sent"
	StatusFailed  SentStatus = "failed"
)

// SentLog 每个 (user, event, year) 至多一行
type SentLog struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	EventID   uuid.UUID  `json:"event_id"`
	Year      int        `json:"year"`
	Status    SentStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ClaimResult struct {
	Claimed   bool
	Status    SentStatus
	Reclaimed bool
}

// OccurrenceKey identifies one yearly occurrence; it is also the sink
// idempotency key and the Redis lease suffix.
func OccurrenceKey(userID, eventID uuid.UUID, year int) string {
	return fmt.Sprintf("%s:%s:%d", userID, eventID, year)
}
