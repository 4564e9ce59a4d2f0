package mq

import "time"

// Action tells the consumer how to settle a delivery.
type Action int

const (
	ActionAck Action = iota
	ActionRetry
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Outcome is what a MessageHandler returns for one delivery.
type Outcome struct {
	Action Action
	Delay  time.Duration
	Reason string
}

func Ack() Outcome {
	return Outcome{Action: ActionAck}
}

// Retry asks for redelivery after at least delay; the consumer rounds it up to
// a retry tier. A non-positive delay requeues immediately.
func Retry(delay time.Duration, reason string) Outcome {
	return Outcome{Action: ActionRetry, Delay: delay, Reason: reason}
}

func DeadLetter(reason string) Outcome {
	return Outcome{Action: ActionDeadLetter, Reason: reason}
}
