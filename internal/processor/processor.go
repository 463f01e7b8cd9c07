// Package processor moves occurrences through their lifecycle: raised by a
// group alarm, then taken, skipped or snoozed by the user, with repeated
// notifications while nobody answers.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/alarm"
	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/notify"
	"github.com/hray3182/MedLine/internal/repository"
	"github.com/hray3182/MedLine/internal/scheduler"
	"github.com/hray3182/MedLine/internal/stock"
)

type Store interface {
	GetReminder(ctx context.Context, reminderID int64) (*models.Reminder, error)
	SoftDeleteReminder(ctx context.Context, reminderID int64) error
	ListDependents(ctx context.Context, predecessorID int64) ([]*models.Reminder, error)
	SetLinkedDue(ctx context.Context, reminderID int64, at time.Time) error
	GetMedicine(ctx context.Context, medicineID int64) (*models.Medicine, error)
	Materialize(ctx context.Context, reminderID int64, at time.Time, dose float64) (*models.Occurrence, bool, error)
	GetOccurrence(ctx context.Context, occurrenceID int64) (*models.Occurrence, error)
	UpdateOccurrenceStatus(ctx context.Context, occ *models.Occurrence) error
	ListRaised(ctx context.Context, reminderID int64) ([]*models.Occurrence, error)
}

type Rescheduler interface {
	Reschedule(ctx context.Context) (*scheduler.Plan, error)
}

type Stock interface {
	Decrement(ctx context.Context, medicineID int64, amount float64) (stock.Result, error)
}

type Config struct {
	SnoozeDelay    time.Duration
	RepeatInterval time.Duration
	// RepeatMax is the number of re-sends of an unanswered occurrence.
	RepeatMax       int
	ConflictRetries int
}

// Outcome reports the result of a user action. Stale is set when the
// occurrence had already been resolved and nothing changed.
type Outcome struct {
	Occurrence *models.Occurrence
	Stale      bool
}

type Processor struct {
	store      Store
	dispatcher alarm.Dispatcher
	presenter  notify.Presenter
	signaler   notify.Signaler
	stock      Stock
	scheduler  Rescheduler
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

func New(store Store, dispatcher alarm.Dispatcher, presenter notify.Presenter, signaler notify.Signaler, stock Stock, scheduler Rescheduler, cfg Config, logger zerolog.Logger) *Processor {
	if cfg.SnoozeDelay <= 0 {
		cfg.SnoozeDelay = 15 * time.Minute
	}
	if cfg.RepeatInterval <= 0 {
		cfg.RepeatInterval = 10 * time.Minute
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	return &Processor{
		store:      store,
		dispatcher: dispatcher,
		presenter:  presenter,
		signaler:   signaler,
		stock:      stock,
		scheduler:  scheduler,
		cfg:        cfg,
		logger:     logger.With().Str("component", "processor").Logger(),
		now:        time.Now,
	}
}

// Materialize raises an occurrence for every reminder of a fired group alarm
// and then arms the next group.
func (p *Processor) Materialize(ctx context.Context, a models.Alarm) error {
	var firstErr error
	for _, id := range a.Payload.ReminderIDs {
		at := a.FireAt
		if due, ok := a.Payload.Due[id]; ok {
			at = due
		}
		if err := p.materializeOne(ctx, id, at); err != nil {
			p.logger.Error().Err(err).Int64("reminder_id", id).Msg("failed to raise occurrence")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if _, err := p.scheduler.Reschedule(ctx); err != nil {
		return err
	}
	return firstErr
}

func (p *Processor) materializeOne(ctx context.Context, reminderID int64, at time.Time) error {
	r, err := p.store.GetReminder(ctx, reminderID)
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Info().Int64("reminder_id", reminderID).Msg("reminder gone, nothing to raise")
		return nil
	}
	if err != nil {
		return err
	}
	if r.DeletedAt != nil || !r.Active {
		p.logger.Info().Int64("reminder_id", reminderID).Msg("reminder deleted or paused, nothing to raise")
		return nil
	}

	occ, created, err := p.store.Materialize(ctx, reminderID, at, r.Dose)
	if err != nil {
		return fmt.Errorf("materialize reminder %d: %w", reminderID, err)
	}

	switch {
	case created:
		p.logger.Info().Int64("occurrence_id", occ.OccurrenceID).Int64("reminder_id", reminderID).Time("at", at).Msg("occurrence raised")
		p.show(ctx, occ)
		return p.armRepeat(ctx, occ.OccurrenceID, 1)
	case occ.IsPending():
		// Still unanswered from an earlier instant: bring it back up.
		if err := p.presenter.Update(ctx, p.notification(ctx, occ, 1)); err != nil {
			p.logger.Warn().Err(err).Int64("occurrence_id", occ.OccurrenceID).Msg("failed to update notification")
		}
	}
	return nil
}

// Apply records the user's response to an occurrence.
func (p *Processor) Apply(ctx context.Context, occurrenceID int64, action models.Action) (Outcome, error) {
	switch action {
	case models.ActionTaken:
		return p.resolve(ctx, occurrenceID, models.StatusTaken)
	case models.ActionSkipped:
		return p.resolve(ctx, occurrenceID, models.StatusSkipped)
	case models.ActionSnooze:
		return p.snooze(ctx, occurrenceID)
	default:
		return Outcome{}, fmt.Errorf("unknown action %q", action)
	}
}

func (p *Processor) resolve(ctx context.Context, occurrenceID int64, status models.OccurrenceStatus) (Outcome, error) {
	actedAt := p.now()
	stale := false

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	occ, err := backoff.Retry(ctx, func() (*models.Occurrence, error) {
		o, err := p.store.GetOccurrence(ctx, occurrenceID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !o.IsPending() {
			stale = true
			return o, nil
		}
		o.Status = status
		o.ActedAt = &actedAt
		if err := p.store.UpdateOccurrenceStatus(ctx, o); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return o, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.cfg.ConflictRetries)))
	if err != nil {
		return Outcome{}, fmt.Errorf("record %s for occurrence %d: %w", status, occurrenceID, err)
	}
	if stale {
		p.logger.Info().Int64("occurrence_id", occurrenceID).Str("status", string(occ.Status)).Msg("occurrence already resolved")
		if err := p.repairDependents(ctx, occ); err != nil {
			return Outcome{Occurrence: occ, Stale: true}, err
		}
		return Outcome{Occurrence: occ, Stale: true}, nil
	}

	p.logger.Info().Int64("occurrence_id", occurrenceID).Str("status", string(status)).Msg("occurrence resolved")
	p.cancel(ctx, alarm.SnoozeID(occurrenceID))
	p.cancel(ctx, alarm.RepeatID(occurrenceID))

	var stockErr error
	if status == models.StatusTaken && p.stock != nil {
		stockErr = p.decrement(ctx, occ)
	}

	if err := p.presenter.Dismiss(ctx, occurrenceID); err != nil {
		p.logger.Warn().Err(err).Int64("occurrence_id", occurrenceID).Msg("failed to dismiss notification")
	}

	if _, err := p.seedDependents(ctx, occ, false); err != nil {
		return Outcome{Occurrence: occ}, err
	}
	if _, err := p.scheduler.Reschedule(ctx); err != nil {
		return Outcome{Occurrence: occ}, err
	}
	return Outcome{Occurrence: occ}, stockErr
}

// decrement takes the dose out of stock. The occurrence stays taken when it
// fails; the user is warned instead.
func (p *Processor) decrement(ctx context.Context, occ *models.Occurrence) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (stock.Result, error) {
		res, err := p.stock.Decrement(ctx, occ.MedicineID, occ.Dose)
		if errors.Is(err, repository.ErrNotFound) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.cfg.ConflictRetries)))
	if err == nil {
		return nil
	}

	p.logger.Error().Err(err).Int64("medicine_id", occ.MedicineID).Int64("occurrence_id", occ.OccurrenceID).Msg("failed to update stock")
	if p.signaler != nil {
		p.signaler.Warn(ctx, fmt.Sprintf("Dose of occurrence %d was recorded but the stock of medicine #%d could not be updated: %v",
			occ.OccurrenceID, occ.MedicineID, err))
	}
	return fmt.Errorf("update stock of medicine %d: %w", occ.MedicineID, err)
}

// repairDependents re-seeds Linked dependents that a resolved occurrence
// should have seeded but did not, then arms the next group. It lets a repeated
// action recover from a seeding failure.
func (p *Processor) repairDependents(ctx context.Context, occ *models.Occurrence) error {
	if occ.ActedAt == nil {
		return nil
	}
	seeded, err := p.seedDependents(ctx, occ, true)
	if err != nil {
		return err
	}
	if seeded == 0 {
		return nil
	}
	_, err = p.scheduler.Reschedule(ctx)
	return err
}

// seedDependents sets the due instant of every Linked reminder that follows
// occ's reminder. With missingOnly set, dependents that already hold a seed
// or already raised an occurrence at or after their due instant are left alone.
func (p *Processor) seedDependents(ctx context.Context, occ *models.Occurrence, missingOnly bool) (int, error) {
	deps, err := p.store.ListDependents(ctx, occ.ReminderID)
	if err != nil {
		return 0, fmt.Errorf("list dependents of reminder %d: %w", occ.ReminderID, err)
	}
	seeded := 0
	for _, dep := range deps {
		linked, ok := dep.Schedule.(*models.LinkedSchedule)
		if !ok {
			continue
		}
		due := occ.ActedAt.Add(linked.Offset())
		if missingOnly && (dep.LinkedDueAt != nil || (dep.LastScheduledAt != nil && !dep.LastScheduledAt.Before(due))) {
			continue
		}
		if err := p.store.SetLinkedDue(ctx, dep.ReminderID, due); err != nil {
			return seeded, fmt.Errorf("seed linked reminder %d: %w", dep.ReminderID, err)
		}
		seeded++
		p.logger.Info().Int64("reminder_id", dep.ReminderID).Time("due", due).Bool("repair", missingOnly).Msg("linked reminder seeded")
	}
	return seeded, nil
}

func (p *Processor) snooze(ctx context.Context, occurrenceID int64) (Outcome, error) {
	occ, err := p.store.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("snooze occurrence %d: %w", occurrenceID, err)
	}
	if !occ.IsPending() {
		return Outcome{Occurrence: occ, Stale: true}, nil
	}

	if err := p.presenter.Dismiss(ctx, occurrenceID); err != nil {
		p.logger.Warn().Err(err).Int64("occurrence_id", occurrenceID).Msg("failed to dismiss notification")
	}
	p.cancel(ctx, alarm.RepeatID(occurrenceID))

	at := p.now().Add(p.cfg.SnoozeDelay)
	payload := models.AlarmPayload{Kind: models.AlarmSnooze, OccurrenceID: occurrenceID}
	if err := p.dispatcher.Arm(ctx, alarm.SnoozeID(occurrenceID), at, payload); err != nil {
		return Outcome{Occurrence: occ}, fmt.Errorf("arm snooze for occurrence %d: %w", occurrenceID, err)
	}
	p.logger.Info().Int64("occurrence_id", occurrenceID).Time("until", at).Msg("occurrence snoozed")
	return Outcome{Occurrence: occ}, nil
}

// Redisplay shows a snoozed occurrence again once its snooze elapsed.
func (p *Processor) Redisplay(ctx context.Context, a models.Alarm) error {
	occ, err := p.pending(ctx, a.Payload.OccurrenceID)
	if err != nil || occ == nil {
		return err
	}
	p.show(ctx, occ)
	return p.armRepeat(ctx, occ.OccurrenceID, 1)
}

// Repeat re-sends an unanswered occurrence and arms the next repeat until
// RepeatMax re-sends were made.
func (p *Processor) Repeat(ctx context.Context, a models.Alarm) error {
	occ, err := p.pending(ctx, a.Payload.OccurrenceID)
	if err != nil || occ == nil {
		return err
	}
	if err := p.presenter.Update(ctx, p.notification(ctx, occ, a.Payload.Attempt)); err != nil {
		p.logger.Warn().Err(err).Int64("occurrence_id", occ.OccurrenceID).Msg("failed to update notification")
	}
	if a.Payload.Attempt < p.cfg.RepeatMax {
		return p.armRepeat(ctx, occ.OccurrenceID, a.Payload.Attempt+1)
	}
	return nil
}

// Forget removes a deleted reminder from scheduling. Its occurrences are kept
// as history; pending ones lose their alarms and notifications.
func (p *Processor) Forget(ctx context.Context, reminderID int64) error {
	if err := p.store.SoftDeleteReminder(ctx, reminderID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete reminder %d: %w", reminderID, err)
	}

	raised, err := p.store.ListRaised(ctx, reminderID)
	if err != nil {
		return fmt.Errorf("list raised occurrences of reminder %d: %w", reminderID, err)
	}
	for _, occ := range raised {
		p.cancel(ctx, alarm.SnoozeID(occ.OccurrenceID))
		p.cancel(ctx, alarm.RepeatID(occ.OccurrenceID))
		if err := p.presenter.Dismiss(ctx, occ.OccurrenceID); err != nil {
			p.logger.Warn().Err(err).Int64("occurrence_id", occ.OccurrenceID).Msg("failed to dismiss notification")
		}
	}

	_, err = p.scheduler.Reschedule(ctx)
	return err
}

func (p *Processor) pending(ctx context.Context, occurrenceID int64) (*models.Occurrence, error) {
	occ, err := p.store.GetOccurrence(ctx, occurrenceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !occ.IsPending() {
		return nil, nil
	}
	return occ, nil
}

func (p *Processor) armRepeat(ctx context.Context, occurrenceID int64, attempt int) error {
	if p.cfg.RepeatMax <= 0 {
		return nil
	}
	at := p.now().Add(p.cfg.RepeatInterval)
	payload := models.AlarmPayload{Kind: models.AlarmRepeat, OccurrenceID: occurrenceID, Attempt: attempt}
	if err := p.dispatcher.Arm(ctx, alarm.RepeatID(occurrenceID), at, payload); err != nil {
		return fmt.Errorf("arm repeat for occurrence %d: %w", occurrenceID, err)
	}
	return nil
}

func (p *Processor) cancel(ctx context.Context, id string) {
	if err := p.dispatcher.Cancel(ctx, id); err != nil {
		p.logger.Warn().Err(err).Str("alarm_id", id).Msg("failed to cancel alarm")
	}
}

func (p *Processor) show(ctx context.Context, occ *models.Occurrence) {
	if err := p.presenter.Show(ctx, p.notification(ctx, occ, 0)); err != nil {
		p.logger.Warn().Err(err).Int64("occurrence_id", occ.OccurrenceID).Msg("failed to show notification")
	}
}

func (p *Processor) notification(ctx context.Context, occ *models.Occurrence, attempt int) notify.Notification {
	n := notify.Notification{
		OccurrenceID: occ.OccurrenceID,
		ReminderID:   occ.ReminderID,
		MedicineID:   occ.MedicineID,
		MedicineName: fmt.Sprintf("medicine #%d", occ.MedicineID),
		Dose:         occ.Dose,
		ScheduledAt:  occ.ScheduledAt,
		Attempt:      attempt,
	}
	if med, err := p.store.GetMedicine(ctx, occ.MedicineID); err == nil {
		n.MedicineName = med.Name
		n.Unit = med.Unit
	}
	return n
}
