package models

import "time"

type AlarmKind string

const (
	AlarmGroup  AlarmKind = "group"  // next due reminders of the whole set
	AlarmSnooze AlarmKind = "snooze" // snoozed occurrence comes back
	AlarmRepeat AlarmKind = "repeat" // unacknowledged occurrence is re-sent
)

// AlarmPayload is handed back unchanged when the alarm fires.
type AlarmPayload struct {
	Kind         AlarmKind           `json:"kind"`
	ReminderIDs  []int64             `json:"reminder_ids,omitempty"`
	Due          map[int64]time.Time `json:"due,omitempty"` // per reminder, when not the fire instant
	OccurrenceID int64               `json:"occurrence_id,omitempty"`
	Attempt      int                 `json:"attempt,omitempty"`
}

// Alarm is an armed wake-up, as kept in the alarm journal.
type Alarm struct {
	AlarmID string       `json:"alarm_id"`
	FireAt  time.Time    `json:"fire_at"`
	Payload AlarmPayload `json:"payload"`
}
