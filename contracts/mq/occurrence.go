package mq

import (
	"errors"
	"time"
)

const (
	RoutingKeyOccurrenceDue = "occurrence.due"
	QueueOccurrenceDue      = "occurrence.due.q"

	EventDateLayout = "2006-01-02"
)

// OccurrenceDuePayload 到期提醒消息，展示字段冗余存储，worker 不需要再查用户
type OccurrenceDuePayload struct {
	UserID      string    `json:"user_id"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessYear int       `json:"process_year"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Timezone    string    `json:"timezone"`
	EventDate   string    `json:"event_date"`
	TraceID     string    `json:"trace_id,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

var ErrInvalidPayload = errors.New("invalid occurrence payload")

func (p OccurrenceDuePayload) Validate() error {
	if p.UserID == "" || p.EventID == "" || p.EventType == "" || p.ProcessYear <= 0 {
		return ErrInvalidPayload
	}
	return nil
}
