// Package engine runs every state change of the reminder system on a single
// goroutine: fired alarms, user actions, deletions and data-change signals
// are queued and handled one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/alarm"
	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/notify"
	"github.com/hray3182/MedLine/internal/processor"
	"github.com/hray3182/MedLine/internal/scheduler"
)

// ErrStopped is returned for work submitted after Run returned.
var ErrStopped = errors.New("engine stopped")

type Processor interface {
	Materialize(ctx context.Context, a models.Alarm) error
	Apply(ctx context.Context, occurrenceID int64, action models.Action) (processor.Outcome, error)
	Redisplay(ctx context.Context, a models.Alarm) error
	Repeat(ctx context.Context, a models.Alarm) error
	Forget(ctx context.Context, reminderID int64) error
}

type Scheduler interface {
	Reschedule(ctx context.Context) (*scheduler.Plan, error)
	Resume(plan *scheduler.Plan)
	Fired(plan *scheduler.Plan)
}

type Journal interface {
	Restore(ctx context.Context, now time.Time) (armed, overdue []models.Alarm, err error)
	Done(ctx context.Context, a models.Alarm) error
}

type task struct {
	id   string
	name string
	fn   func(ctx context.Context) error
	done chan error
}

type Engine struct {
	processor Processor
	scheduler Scheduler
	journal   Journal
	signaler  notify.Signaler
	logger    zerolog.Logger
	now       func() time.Time

	tasks   chan task
	dirty   chan struct{}
	stopped chan struct{}
}

func New(proc Processor, sched Scheduler, journal Journal, signaler notify.Signaler, logger zerolog.Logger) *Engine {
	return &Engine{
		processor: proc,
		scheduler: sched,
		journal:   journal,
		signaler:  signaler,
		logger:    logger.With().Str("component", "engine").Logger(),
		now:       time.Now,
		tasks:     make(chan task, 64),
		dirty:     make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
}

// Run restores the alarm journal, handles alarms that came due while the
// process was down, arms the first group and then handles queued work until
// ctx is cancelled. A failed boot returns an error.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	armed, overdue, err := e.journal.Restore(ctx, e.now())
	if err != nil {
		return fmt.Errorf("restore alarms: %w", err)
	}
	for _, a := range armed {
		if a.AlarmID == alarm.GroupID {
			e.scheduler.Resume(scheduler.PlanOf(a))
		}
	}
	// Overdue alarms run before the first reschedule so their journal
	// records cannot be overwritten by a newer group.
	for _, a := range overdue {
		e.logger.Info().Str("alarm_id", a.AlarmID).Time("fire_at", a.FireAt).Msg("handling overdue alarm")
		_ = e.handleAlarm(ctx, a)
	}
	if _, err := e.scheduler.Reschedule(ctx); err != nil {
		return fmt.Errorf("initial reschedule: %w", err)
	}
	e.logger.Info().Int("restored", len(armed)).Int("overdue", len(overdue)).Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("engine stopped")
			return nil
		case t := <-e.tasks:
			e.run(ctx, t)
		case <-e.dirty:
			if _, err := e.scheduler.Reschedule(ctx); err != nil {
				e.fail(ctx, "reschedule", err)
			}
		}
	}
}

func (e *Engine) run(ctx context.Context, t task) {
	start := time.Now()
	err := t.fn(ctx)
	e.logger.Debug().Str("task_id", t.id).Str("task", t.name).Dur("took", time.Since(start)).Err(err).Msg("task done")
	if t.done != nil {
		t.done <- err
	}
}

func (e *Engine) fail(ctx context.Context, what string, err error) {
	e.logger.Error().Err(err).Str("task", what).Msg("task failed")
	if e.signaler != nil {
		e.signaler.Warn(ctx, fmt.Sprintf("%s failed: %v", what, err))
	}
}

// RequestReschedule asks for a recomputation after reminders, medicines or
// settings changed. Requests made while one is pending are merged.
func (e *Engine) RequestReschedule() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

// Submit applies a user action and waits for its outcome.
func (e *Engine) Submit(ctx context.Context, occurrenceID int64, action models.Action) (processor.Outcome, error) {
	var out processor.Outcome
	err := e.do(ctx, "apply "+string(action), func(ctx context.Context) error {
		var err error
		out, err = e.processor.Apply(ctx, occurrenceID, action)
		return err
	})
	return out, err
}

// ReminderDeleted removes a reminder and everything still pending for it.
func (e *Engine) ReminderDeleted(ctx context.Context, reminderID int64) error {
	return e.do(ctx, "delete reminder", func(ctx context.Context) error {
		return e.processor.Forget(ctx, reminderID)
	})
}

// OnAlarm queues a fired alarm. It is meant as the dispatcher's fire callback.
func (e *Engine) OnAlarm(a models.Alarm) {
	t := task{
		id:   uuid.NewString(),
		name: "alarm " + a.AlarmID,
		fn:   func(ctx context.Context) error { return e.handleAlarm(ctx, a) },
	}
	select {
	case e.tasks <- t:
	case <-e.stopped:
		e.logger.Warn().Str("alarm_id", a.AlarmID).Msg("alarm fired after shutdown, dropped")
	}
}

func (e *Engine) handleAlarm(ctx context.Context, a models.Alarm) error {
	var err error
	switch a.Payload.Kind {
	case models.AlarmGroup:
		e.scheduler.Fired(scheduler.PlanOf(a))
		err = e.processor.Materialize(ctx, a)
	case models.AlarmSnooze:
		err = e.processor.Redisplay(ctx, a)
	case models.AlarmRepeat:
		err = e.processor.Repeat(ctx, a)
	default:
		err = fmt.Errorf("unknown alarm kind %q", a.Payload.Kind)
	}
	if err != nil {
		e.fail(ctx, "alarm "+a.AlarmID, err)
	}
	if derr := e.journal.Done(ctx, a); derr != nil {
		e.logger.Warn().Err(derr).Str("alarm_id", a.AlarmID).Msg("failed to drop journal record")
	}
	return err
}

func (e *Engine) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}

	t := task{id: uuid.NewString(), name: name, fn: fn, done: make(chan error, 1)}
	select {
	case e.tasks <- t:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-e.stopped:
		select {
		case err := <-t.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
