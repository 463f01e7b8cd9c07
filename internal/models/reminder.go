package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Reminder struct {
	ReminderID int64      `json:"reminder_id"`
	MedicineID int64      `json:"medicine_id"`
	Schedule   Schedule   `json:"-"`
	Dose       float64    `json:"dose"`
	Active     bool       `json:"active"`
	DeletedAt  *time.Time `json:"deleted_at"`
	CreatedAt  time.Time  `json:"created_at"`

	// Read together with the reminder, owned by the scheduling engine.
	LastScheduledAt *time.Time `json:"last_scheduled_at"` // latest materialized occurrence
	LinkedDueAt     *time.Time `json:"linked_due_at"`     // seed for Linked reminders
}

// Kind returns the schedule variant, empty when no schedule is set
func (r *Reminder) Kind() Kind {
	if r.Schedule == nil {
		return ""
	}
	return r.Schedule.Kind()
}

// IsLinked returns true if the reminder follows a predecessor
func (r *Reminder) IsLinked() bool {
	_, ok := r.Schedule.(*LinkedSchedule)
	return ok
}

// Predecessor returns the predecessor id of a Linked reminder.
func (r *Reminder) Predecessor() (int64, bool) {
	l, ok := r.Schedule.(*LinkedSchedule)
	if !ok {
		return 0, false
	}
	return l.PredecessorID, true
}

func (r *Reminder) Validate() error {
	if r.Schedule == nil {
		return fmt.Errorf("%w: reminder %d has no schedule", ErrInvalidSchedule, r.ReminderID)
	}
	if r.Dose < 0 {
		return fmt.Errorf("%w: negative dose", ErrInvalidSchedule)
	}
	return r.Schedule.Validate()
}

type reminderJSON struct {
	reminderAlias
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params"`
}

type reminderAlias Reminder

func (r Reminder) MarshalJSON() ([]byte, error) {
	out := reminderJSON{reminderAlias: reminderAlias(r)}
	if r.Schedule != nil {
		kind, params, err := EncodeSchedule(r.Schedule)
		if err != nil {
			return nil, err
		}
		out.Kind = kind
		out.Params = params
	}
	return json.Marshal(out)
}

func (r *Reminder) UnmarshalJSON(data []byte) error {
	var in reminderJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Reminder(in.reminderAlias)
	if in.Kind == "" {
		return nil
	}
	s, err := DecodeSchedule(in.Kind, in.Params)
	if err != nil {
		return err
	}
	r.Schedule = s
	return nil
}

// ValidateLinkChain walks the predecessors of r and fails when the chain loops,
// dangles, or never reaches a non-Linked reminder.
func ValidateLinkChain(r *Reminder, lookup func(id int64) (*Reminder, bool)) error {
	seen := map[int64]bool{r.ReminderID: true}
	current := r
	for {
		pred, ok := current.Predecessor()
		if !ok {
			return nil
		}
		if seen[pred] {
			return fmt.Errorf("%w: reminder %d revisits %d", ErrLinkCycle, r.ReminderID, pred)
		}
		seen[pred] = true
		next, found := lookup(pred)
		if !found {
			return fmt.Errorf("%w: predecessor %d of reminder %d does not exist", ErrLinkCycle, pred, current.ReminderID)
		}
		current = next
	}
}
