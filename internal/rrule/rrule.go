package rrule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var weekdays = [...]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// RRuleBuilder creates a daily RRULE from components
type RRuleBuilder struct {
	Hour      int
	Minute    int
	ByWeekday []time.Weekday
}

// Build creates the rule starting at dtstart. Occurrences are generated in
// dtstart's location.
func (b *RRuleBuilder) Build(dtstart time.Time) (*rrule.RRule, error) {
	opt := rrule.ROption{
		Freq:     rrule.DAILY,
		Interval: 1,
		Dtstart:  dtstart,
		Byhour:   []int{b.Hour},
		Byminute: []int{b.Minute},
		Bysecond: []int{0},
	}

	if len(b.ByWeekday) > 0 {
		opt.Byweekday = make([]rrule.Weekday, 0, len(b.ByWeekday))
		for _, d := range b.ByWeekday {
			opt.Byweekday = append(opt.Byweekday, weekdays[d])
		}
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build RRULE: %w", err)
	}
	return rule, nil
}

func (b *RRuleBuilder) String() string {
	parts := []string{"FREQ=DAILY"}

	if len(b.ByWeekday) > 0 {
		days := make([]string, len(b.ByWeekday))
		for i, d := range b.ByWeekday {
			days[i] = strings.ToUpper(d.String()[:2])
		}
		parts = append(parts, fmt.Sprintf("BYDAY=%s", strings.Join(days, ",")))
	}

	parts = append(parts,
		fmt.Sprintf("BYHOUR=%d", b.Hour),
		fmt.Sprintf("BYMINUTE=%d", b.Minute),
		"BYSECOND=0",
	)
	return strings.Join(parts, ";")
}

// NextOccurrence returns the first occurrence at or after the given time.
// The rule is anchored at the local midnight of after so evaluation never
// walks more than a week of candidates.
// Returns nil if there are no more occurrences
func (b *RRuleBuilder) NextOccurrence(after time.Time, loc *time.Location) (*time.Time, error) {
	local := after.In(loc)
	dtstart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	rule, err := b.Build(dtstart)
	if err != nil {
		return nil, err
	}

	next := rule.After(local, true)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

// HumanReadable returns an English description of the rule
func (b *RRuleBuilder) HumanReadable() string {
	at := fmt.Sprintf("%02d:%02d", b.Hour, b.Minute)
	if len(b.ByWeekday) == 0 || len(b.ByWeekday) == 7 {
		return "every day at " + at
	}
	days := make([]string, len(b.ByWeekday))
	for i, d := range b.ByWeekday {
		days[i] = d.String()[:3]
	}
	return fmt.Sprintf("%s at %s", strings.Join(days, ", "), at)
}
