package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/MedLine/internal/alarm"
	"github.com/hray3182/MedLine/internal/calculator"
	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/notify"
)

// ErrDispatch is returned when the group alarm could not be armed.
var ErrDispatch = errors.New("alarm dispatch failed")

type Store interface {
	ListSchedulable(ctx context.Context) ([]*models.Reminder, error)
	GetSettings(ctx context.Context) (*models.Settings, error)
}

type Config struct {
	// Reminders due within GroupTolerance of the earliest one share its alarm.
	GroupTolerance time.Duration
	// DispatchRetries bounds the attempts to arm the group alarm.
	DispatchRetries int
	RetryInterval   time.Duration
	// Location is used unless the settings name a timezone.
	Location *time.Location
	Workers  int
}

// Plan is the armed group alarm: the instant and the reminders due at it.
type Plan struct {
	At          time.Time `json:"at"`
	ReminderIDs []int64   `json:"reminder_ids"`
	// Due holds each reminder's own instant when it differs from At.
	Due map[int64]time.Time `json:"due,omitempty"`
}

func (p *Plan) Equal(o *Plan) bool {
	if p == nil || o == nil {
		return p == o
	}
	if !p.At.Equal(o.At) || len(p.ReminderIDs) != len(o.ReminderIDs) {
		return false
	}
	for i := range p.ReminderIDs {
		if p.ReminderIDs[i] != o.ReminderIDs[i] {
			return false
		}
	}
	if len(p.Due) != len(o.Due) {
		return false
	}
	for id, at := range p.Due {
		if other, ok := o.Due[id]; !ok || !other.Equal(at) {
			return false
		}
	}
	return true
}

func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	return &Plan{At: p.At, ReminderIDs: append([]int64(nil), p.ReminderIDs...), Due: copyDue(p.Due)}
}

func copyDue(due map[int64]time.Time) map[int64]time.Time {
	if len(due) == 0 {
		return nil
	}
	out := make(map[int64]time.Time, len(due))
	for id, at := range due {
		out[id] = at
	}
	return out
}

// Entry is the next due instant of one reminder.
type Entry struct {
	ReminderID int64     `json:"reminder_id"`
	MedicineID int64     `json:"medicine_id"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
}

// Scheduler keeps exactly one group alarm armed for the earliest due reminders.
type Scheduler struct {
	store      Store
	dispatcher alarm.Dispatcher
	signaler   notify.Signaler
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	armed *Plan
}

func New(store Store, dispatcher alarm.Dispatcher, signaler notify.Signaler, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DispatchRetries <= 0 {
		cfg.DispatchRetries = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		signaler:   signaler,
		cfg:        cfg,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
	}
}

// Reschedule recomputes the next group and arms it. Calling it again without
// any data change performs no dispatcher calls.
func (s *Scheduler) Reschedule(ctx context.Context) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.compute(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("reschedule: %w", err)
	}
	plan := selectGroup(entries, s.cfg.GroupTolerance)

	if plan == nil {
		if s.armed != nil {
			if err := s.dispatcher.Cancel(ctx, alarm.GroupID); err != nil {
				return nil, fmt.Errorf("cancel group alarm: %w", err)
			}
			s.armed = nil
		}
		s.logger.Info().Msg("no reminders scheduled, idle")
		return nil, nil
	}

	if plan.Equal(s.armed) {
		return plan.clone(), nil
	}

	if s.armed != nil {
		if err := s.dispatcher.Cancel(ctx, alarm.GroupID); err != nil {
			return nil, fmt.Errorf("cancel group alarm: %w", err)
		}
		s.armed = nil
	}
	if err := s.arm(ctx, plan); err != nil {
		return nil, err
	}
	s.armed = plan

	s.logger.Info().Time("at", plan.At).Ints64("reminder_ids", plan.ReminderIDs).Msg("group alarm armed")
	return plan.clone(), nil
}

func (s *Scheduler) arm(ctx context.Context, plan *Plan) error {
	payload := models.AlarmPayload{Kind: models.AlarmGroup, ReminderIDs: plan.ReminderIDs, Due: plan.Due}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := s.dispatcher.Arm(ctx, alarm.GroupID, plan.At, payload); err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("failed to arm group alarm")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.cfg.DispatchRetries)))
	if err != nil {
		msg := fmt.Sprintf("Reminders due at %s could not be scheduled: %v", plan.At.In(s.cfg.Location).Format(time.DateTime), err)
		if s.signaler != nil {
			s.signaler.Warn(ctx, msg)
		}
		s.logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on group alarm")
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return nil
}

// Preview returns the next due instant of every schedulable reminder, earliest first.
func (s *Scheduler) Preview(ctx context.Context) ([]Entry, error) {
	entries, err := s.compute(ctx, s.now())
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}

// Resume records a group alarm restored from the journal as armed.
func (s *Scheduler) Resume(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = plan.clone()
}

// Fired clears the bookkeeping once the armed group alarm went off.
func (s *Scheduler) Fired(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed.Equal(plan) {
		s.armed = nil
	}
}

func (s *Scheduler) Armed() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed.clone()
}

func (s *Scheduler) location(settings *models.Settings) *time.Location {
	if settings == nil || settings.Timezone == "" || settings.Timezone == "Local" {
		return s.cfg.Location
	}
	return settings.Location()
}

func (s *Scheduler) compute(ctx context.Context, now time.Time) ([]Entry, error) {
	reminders, err := s.store.ListSchedulable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	opts := calculator.Options{Location: s.location(settings), Weekend: settings.Weekend}

	results := make([]*Entry, len(reminders))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, r := range reminders {
		g.Go(func() error {
			if err := r.Validate(); err != nil {
				s.logger.Warn().Err(err).Int64("reminder_id", r.ReminderID).Msg("skipping invalid reminder")
				return nil
			}
			at, ok := nextInstant(r, now, opts)
			if !ok {
				return nil
			}
			results[i] = &Entry{ReminderID: r.ReminderID, MedicineID: r.MedicineID, Kind: string(r.Kind()), At: at}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(results))
	for _, e := range results {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries, nil
}

// nextInstant resolves Linked reminders from their seed and everything else
// through the calculator. A seed already in the past is kept as is; the
// dispatcher fires past instants right away and the plan stays stable while
// the clock moves.
func nextInstant(r *models.Reminder, now time.Time, opts calculator.Options) (time.Time, bool) {
	if r.IsLinked() {
		if r.LinkedDueAt == nil {
			return time.Time{}, false
		}
		return *r.LinkedDueAt, true
	}
	return calculator.Next(r, now, opts)
}

// selectGroup picks the earliest instant and every reminder due within
// tolerance of it, ordered by reminder id.
func selectGroup(entries []Entry, tolerance time.Duration) *Plan {
	if len(entries) == 0 {
		return nil
	}
	earliest := entries[0].At
	for _, e := range entries[1:] {
		if e.At.Before(earliest) {
			earliest = e.At
		}
	}

	plan := &Plan{At: earliest}
	for _, e := range entries {
		if e.At.Sub(earliest) > tolerance {
			continue
		}
		plan.ReminderIDs = append(plan.ReminderIDs, e.ReminderID)
		if !e.At.Equal(earliest) {
			if plan.Due == nil {
				plan.Due = make(map[int64]time.Time)
			}
			plan.Due[e.ReminderID] = e.At
		}
	}
	sort.Slice(plan.ReminderIDs, func(i, j int) bool { return plan.ReminderIDs[i] < plan.ReminderIDs[j] })
	return plan
}

// PlanOf returns the plan carried by a fired or restored group alarm.
func PlanOf(a models.Alarm) *Plan {
	return &Plan{At: a.FireAt, ReminderIDs: append([]int64(nil), a.Payload.ReminderIDs...), Due: copyDue(a.Payload.Due)}
}
