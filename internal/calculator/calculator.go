// Package calculator computes the next due instant of a reminder.
//
// Every function here is pure: the same reminder, reference instant and
// options always give the same answer, so callers may re-run it as often as
// they like and in parallel.
package calculator

import (
	"time"

	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/rrule"
)

// maxSteps bounds the weekend-mode retry loop.
const maxSteps = 1000

// Options carries the process-wide overrides that apply to every reminder.
type Options struct {
	Location *time.Location
	Weekend  models.WeekendMode
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

// Next returns the first due instant of r that is not before after and is
// strictly later than the reminder's last materialized occurrence. It
// returns false when the reminder has no standing instant: Linked reminders,
// exhausted time periods and malformed schedules.
func Next(r *models.Reminder, after time.Time, opts Options) (time.Time, bool) {
	if r == nil || r.Schedule == nil || r.Validate() != nil {
		return time.Time{}, false
	}
	loc := opts.location()

	floor := after
	if r.LastScheduledAt != nil && !r.LastScheduledAt.Before(floor) {
		floor = r.LastScheduledAt.Add(time.Nanosecond)
	}

	schedule := r.Schedule
	var lower, upper *time.Time
	if tp, ok := schedule.(*models.TimePeriodSchedule); ok {
		start, end := tp.Bounds(loc)
		lower, upper = &start, &end
		schedule = tp.Inner
	}

	raw := rawFunc(schedule, r.LastScheduledAt, r.CreatedAt, loc)
	if raw == nil {
		return time.Time{}, false
	}

	from := floor
	if lower != nil && from.Before(*lower) {
		from = *lower
	}
	// A raw instant earlier on a delayed day may still land after floor.
	if opts.Weekend.Delays(from, loc) {
		day := from.In(loc)
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		if lower == nil || midnight.After(*lower) {
			from = midnight
		} else {
			from = *lower
		}
	}

	for i := 0; i < maxSteps; i++ {
		t, ok := raw(from)
		if !ok {
			return time.Time{}, false
		}
		if upper != nil && t.After(*upper) {
			return time.Time{}, false
		}
		adjusted := opts.Weekend.Apply(t, loc)
		if !adjusted.Before(floor) {
			if upper != nil && adjusted.After(*upper) {
				return time.Time{}, false
			}
			return adjusted, true
		}
		// Every raw instant up to adjusted collapses onto it, skip past them.
		if adjusted.After(t) {
			from = adjusted
		} else {
			from = t.Add(time.Nanosecond)
		}
	}
	return time.Time{}, false
}

// rawFn returns the first raw instant at or after from.
type rawFn func(from time.Time) (time.Time, bool)

func rawFunc(s models.Schedule, last *time.Time, created time.Time, loc *time.Location) rawFn {
	switch v := s.(type) {
	case *models.DailySchedule:
		return func(from time.Time) (time.Time, bool) { return nextDaily(v, from, loc) }
	case *models.IntervalSchedule:
		return func(from time.Time) (time.Time, bool) { return nextInterval(v, last, created, from, loc) }
	case *models.CyclicSchedule:
		return func(from time.Time) (time.Time, bool) { return nextCyclic(v, from, loc) }
	default:
		// Linked reminders are seeded by the action processor.
		return nil
	}
}

func nextDaily(s *models.DailySchedule, from time.Time, loc *time.Location) (time.Time, bool) {
	b := &rrule.RRuleBuilder{Hour: s.At.Hour, Minute: s.At.Minute, ByWeekday: s.Weekdays}
	next, err := b.NextOccurrence(from, loc)
	if err != nil || next == nil {
		return time.Time{}, false
	}
	return *next, true
}

// nextInterval walks the grid from the last occurrence, or from the anchor
// when nothing was materialized yet. Without an anchor the grid starts at the
// reminder's creation, so the answer never depends on from alone.
func nextInterval(s *models.IntervalSchedule, last *time.Time, created, from time.Time, loc *time.Location) (time.Time, bool) {
	period := s.Period()
	if period <= 0 {
		return time.Time{}, false
	}

	candidate := s.Anchor
	if candidate.IsZero() {
		candidate = created
	}
	if last != nil {
		candidate = last.Add(period)
	}
	if candidate.IsZero() {
		return time.Time{}, false
	}
	if candidate.Before(from) {
		steps := (from.Sub(candidate) + period - 1) / period
		candidate = candidate.Add(steps * period)
	}

	if s.Window != nil {
		candidate = clipToWindow(*s.Window, candidate, loc)
	}
	return candidate, true
}

// clipToWindow pushes t forward to the next window start when it lies outside.
func clipToWindow(w models.TimeWindow, t time.Time, loc *time.Location) time.Time {
	start, end := w.Start.Minutes(), w.End.Minutes()
	if start == end {
		return t
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()

	if start < end {
		switch {
		case m < start:
			return w.Start.On(local, loc)
		case m >= end:
			return w.Start.On(local.AddDate(0, 0, 1), loc)
		}
		return t
	}

	// Window spans midnight, e.g. 22:00-06:00.
	if m >= end && m < start {
		return w.Start.On(local, loc)
	}
	return t
}

func nextCyclic(s *models.CyclicSchedule, from time.Time, loc *time.Location) (time.Time, bool) {
	cycle := s.ActiveDays + s.PauseDays
	if s.ActiveDays <= 0 || cycle <= 0 {
		return time.Time{}, false
	}

	anchor := dateOf(s.Anchor, loc)
	day := dateOf(from, loc)
	if day.Before(anchor) {
		day = anchor
	}

	// One full cycle plus a day always contains an active day at or after from.
	for i := 0; i <= cycle+1; i++ {
		candidateDay := day.AddDate(0, 0, i)
		if !CyclicActive(s, candidateDay, loc) {
			continue
		}
		t := s.At.On(candidateDay, loc)
		if !t.Before(from) {
			return t, true
		}
	}
	return time.Time{}, false
}

// CyclicActive reports whether day falls in the active part of the cycle.
func CyclicActive(s *models.CyclicSchedule, day time.Time, loc *time.Location) bool {
	cycle := s.ActiveDays + s.PauseDays
	if cycle <= 0 {
		return false
	}
	k := DaysBetween(dateOf(s.Anchor, loc), dateOf(day, loc))
	if k < 0 {
		return false
	}
	return k%cycle < s.ActiveDays
}

// DaysBetween counts calendar days from a to b, ignoring DST shifts.
func DaysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}
