package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a wall clock time without a date, minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" format
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidSchedule, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// On returns the instant of t on the calendar day of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// TimeOfDayOf returns the wall clock time of instant in loc.
func TimeOfDayOf(instant time.Time, loc *time.Location) TimeOfDay {
	l := instant.In(loc)
	return TimeOfDay{Hour: l.Hour(), Minute: l.Minute()}
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WeekendMode delays reminders on the configured weekdays to DelayTo.
type WeekendMode struct {
	Enabled bool           `json:"enabled"`
	Days    []time.Weekday `json:"days"`
	DelayTo TimeOfDay      `json:"delay_to"`
}

// Settings is the process-wide state written by the settings flow
type Settings struct {
	Weekend   WeekendMode `json:"weekend"`
	Timezone  string      `json:"timezone"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewDefaultSettings creates Settings with weekend mode disabled
func NewDefaultSettings() *Settings {
	return &Settings{
		Weekend: WeekendMode{
			Enabled: false,
			Days:    []time.Weekday{time.Saturday, time.Sunday},
			DelayTo: TimeOfDay{Hour: 10},
		},
		Timezone:  "Local",
		UpdatedAt: time.Now(),
	}
}

// Location resolves Timezone, falling back to time.Local
func (s *Settings) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (w WeekendMode) covers(day time.Weekday) bool {
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Delays reports whether an instant at t would be moved by weekend mode.
func (w WeekendMode) Delays(t time.Time, loc *time.Location) bool {
	if !w.Enabled {
		return false
	}
	local := t.In(loc)
	if !w.covers(local.Weekday()) {
		return false
	}
	return TimeOfDayOf(local, loc).Minutes() < w.DelayTo.Minutes()
}

// Apply moves t to DelayTo on the same day when weekend mode covers it.
func (w WeekendMode) Apply(t time.Time, loc *time.Location) time.Time {
	if !w.Delays(t, loc) {
		return t
	}
	return w.DelayTo.On(t, loc)
}
