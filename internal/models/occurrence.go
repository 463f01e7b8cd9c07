package models

import "time"

type OccurrenceStatus string

const (
	StatusRaised  OccurrenceStatus = "raised"
	StatusTaken   OccurrenceStatus = "taken"
	StatusSkipped OccurrenceStatus = "skipped"
)

// Occurrence is one raising of a reminder, persisted as a reminder event.
type Occurrence struct {
	OccurrenceID int64            `json:"occurrence_id"`
	ReminderID   int64            `json:"reminder_id"`
	MedicineID   int64            `json:"medicine_id"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	Status       OccurrenceStatus `json:"status"`
	ActedAt      *time.Time       `json:"acted_at"`
	Dose         float64          `json:"dose"` // copied from the reminder when raised
	Version      int              `json:"version"`
	CreatedAt    time.Time        `json:"created_at"`
}

// IsPending returns true while the occurrence awaits a user action
func (o *Occurrence) IsPending() bool {
	return o.Status == StatusRaised
}

// Action is a user response to a raised occurrence.
type Action string

const (
	ActionTaken   Action = "taken"
	ActionSkipped Action = "skipped"
	ActionSnooze  Action = "snooze"
)

// ParseAction accepts the action names used in callbacks and URLs.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionTaken, ActionSkipped, ActionSnooze:
		return a, true
	}
	return "", false
}
