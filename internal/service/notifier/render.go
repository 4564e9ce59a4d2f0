package notifier

import (
	"fmt"

	"anniversary-notifier/internal/model"
)

// Render builds the message body for an event kind.
func Render(kind model.EventKind, firstName, lastName string) (string, error) {
	switch kind {
	case model.KindBirthday:
		return fmt.Sprintf("Hey, %s %s it's your birthday", firstName, lastName), nil
	case model.KindAnniversary:
		return fmt.Sprintf("Hey, %s %s it's your anniversary!", firstName, lastName), nil
	default:
		return "", fmt.Errorf("no template for event kind %q", kind)
	}
}
