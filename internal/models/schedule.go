package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindDaily      Kind = "daily"
	KindInterval   Kind = "interval"
	KindCyclic     Kind = "cyclic"
	KindLinked     Kind = "linked"
	KindTimePeriod Kind = "time_period"
)

// Schedule describes how a reminder repeats. The set of implementations is
// closed; the calculator switches over the concrete types.
type Schedule interface {
	Kind() Kind
	Validate() error
	sealed()
}

// DailySchedule fires at At on each of Weekdays, every day when Weekdays is empty.
type DailySchedule struct {
	At       TimeOfDay      `json:"at"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// TimeWindow is a daily [Start, End) window. Start after End spans midnight.
type TimeWindow struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// IntervalSchedule fires every PeriodMinutes after the previous occurrence.
type IntervalSchedule struct {
	PeriodMinutes int         `json:"period_minutes"`
	Anchor        time.Time   `json:"anchor"`
	Window        *TimeWindow `json:"window,omitempty"`
}

// CyclicSchedule fires daily at At during ActiveDays, then pauses for PauseDays.
type CyclicSchedule struct {
	ActiveDays int       `json:"active_days"`
	PauseDays  int       `json:"pause_days"`
	At         TimeOfDay `json:"at"`
	Anchor     time.Time `json:"anchor"`
}

// LinkedSchedule fires OffsetMinutes after the predecessor's occurrence is acted upon.
type LinkedSchedule struct {
	PredecessorID int64 `json:"predecessor_id"`
	OffsetMinutes int   `json:"offset_minutes"`
}

// TimePeriodSchedule restricts a Daily or Interval schedule to a date range.
type TimePeriodSchedule struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Inner     Schedule  `json:"-"`
}

func (*DailySchedule) Kind() Kind      { return KindDaily }
func (*IntervalSchedule) Kind() Kind   { return KindInterval }
func (*CyclicSchedule) Kind() Kind     { return KindCyclic }
func (*LinkedSchedule) Kind() Kind     { return KindLinked }
func (*TimePeriodSchedule) Kind() Kind { return KindTimePeriod }

func (*DailySchedule) sealed()      {}
func (*IntervalSchedule) sealed()   {}
func (*CyclicSchedule) sealed()     {}
func (*LinkedSchedule) sealed()     {}
func (*TimePeriodSchedule) sealed() {}

func (s *DailySchedule) Validate() error {
	if !s.At.Valid() {
		return fmt.Errorf("%w: daily time %s", ErrInvalidSchedule, s.At)
	}
	for _, d := range s.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d", ErrInvalidSchedule, d)
		}
	}
	return nil
}

func (s *IntervalSchedule) Validate() error {
	if s.PeriodMinutes <= 0 {
		return fmt.Errorf("%w: interval period %d", ErrInvalidSchedule, s.PeriodMinutes)
	}
	if s.Window != nil && (!s.Window.Start.Valid() || !s.Window.End.Valid()) {
		return fmt.Errorf("%w: interval window", ErrInvalidSchedule)
	}
	return nil
}

// Period returns the interval as a duration
func (s *IntervalSchedule) Period() time.Duration {
	return time.Duration(s.PeriodMinutes) * time.Minute
}

func (s *CyclicSchedule) Validate() error {
	if s.ActiveDays <= 0 || s.PauseDays < 0 || s.ActiveDays+s.PauseDays == 0 {
		return fmt.Errorf("%w: cycle %d/%d", ErrInvalidSchedule, s.ActiveDays, s.PauseDays)
	}
	if !s.At.Valid() {
		return fmt.Errorf("%w: cyclic time %s", ErrInvalidSchedule, s.At)
	}
	if s.Anchor.IsZero() {
		return fmt.Errorf("%w: cyclic anchor missing", ErrInvalidSchedule)
	}
	return nil
}

func (s *LinkedSchedule) Validate() error {
	if s.PredecessorID <= 0 {
		return fmt.Errorf("%w: linked predecessor missing", ErrInvalidSchedule)
	}
	if s.OffsetMinutes < 0 {
		return fmt.Errorf("%w: linked offset %d", ErrInvalidSchedule, s.OffsetMinutes)
	}
	return nil
}

// Offset returns the delay after the predecessor's action
func (s *LinkedSchedule) Offset() time.Duration {
	return time.Duration(s.OffsetMinutes) * time.Minute
}

func (s *TimePeriodSchedule) Validate() error {
	if s.StartDate.IsZero() || s.EndDate.IsZero() {
		return fmt.Errorf("%w: time period dates missing", ErrInvalidSchedule)
	}
	if s.EndDate.Before(s.StartDate) {
		return fmt.Errorf("%w: time period ends before it starts", ErrInvalidSchedule)
	}
	switch s.Inner.(type) {
	case *DailySchedule, *IntervalSchedule:
		return s.Inner.Validate()
	default:
		return fmt.Errorf("%w: time period wraps %T", ErrInvalidSchedule, s.Inner)
	}
}

// Bounds returns the covered range: StartDate's midnight through the midnight
// that ends EndDate, both inclusive.
func (s *TimePeriodSchedule) Bounds(loc *time.Location) (time.Time, time.Time) {
	start := s.StartDate.In(loc)
	end := s.EndDate.In(loc)
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day()+1, 0, 0, 0, 0, loc)
	return from, to
}

type timePeriodJSON struct {
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	InnerKind   Kind            `json:"inner_kind"`
	InnerParams json.RawMessage `json:"inner_params"`
}

// EncodeSchedule returns the storage form of s: its kind and JSON parameters.
func EncodeSchedule(s Schedule) (Kind, []byte, error) {
	if tp, ok := s.(*TimePeriodSchedule); ok {
		if tp.Inner == nil {
			return "", nil, fmt.Errorf("%w: time period without inner schedule", ErrInvalidSchedule)
		}
		innerKind, innerParams, err := EncodeSchedule(tp.Inner)
		if err != nil {
			return "", nil, err
		}
		data, err := json.Marshal(timePeriodJSON{
			StartDate:   tp.StartDate,
			EndDate:     tp.EndDate,
			InnerKind:   innerKind,
			InnerParams: innerParams,
		})
		return KindTimePeriod, data, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", nil, err
	}
	return s.Kind(), data, nil
}

// DecodeSchedule rebuilds a schedule from its storage form.
func DecodeSchedule(kind Kind, params []byte) (Schedule, error) {
	var s Schedule
	switch kind {
	case KindDaily:
		s = &DailySchedule{}
	case KindInterval:
		s = &IntervalSchedule{}
	case KindCyclic:
		s = &CyclicSchedule{}
	case KindLinked:
		s = &LinkedSchedule{}
	case KindTimePeriod:
		var raw timePeriodJSON
		if err := json.Unmarshal(params, &raw); err != nil {
			return nil, fmt.Errorf("decode time period: %w", err)
		}
		inner, err := DecodeSchedule(raw.InnerKind, raw.InnerParams)
		if err != nil {
			return nil, err
		}
		return &TimePeriodSchedule{StartDate: raw.StartDate, EndDate: raw.EndDate, Inner: inner}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, kind)
	}
	if err := json.Unmarshal(params, s); err != nil {
		return nil, fmt.Errorf("decode %s schedule: %w", kind, err)
	}
	return s, nil
}
