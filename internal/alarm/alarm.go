// Package alarm arms one-shot wake-ups and keeps a durable journal of them so
// they survive a restart.
package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/hray3182/MedLine/internal/models"
)

// GroupID is the single alarm that carries the next group of due reminders.
const GroupID = "group"

func SnoozeID(occurrenceID int64) string {
	return fmt.Sprintf("snooze:%d", occurrenceID)
}

func RepeatID(occurrenceID int64) string {
	return fmt.Sprintf("repeat:%d", occurrenceID)
}

// Dispatcher arms and cancels alarms by id. Arming an id that is already armed
// replaces it. Cancelling an unknown id is not an error.
type Dispatcher interface {
	Arm(ctx context.Context, id string, at time.Time, payload models.AlarmPayload) error
	Cancel(ctx context.Context, id string) error
}
