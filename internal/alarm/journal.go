package alarm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/models"
)

// Store persists armed alarms.
type Store interface {
	SaveAlarm(ctx context.Context, a models.Alarm) error
	DeleteAlarm(ctx context.Context, id string) error
	// DeleteAlarmAt removes the record only if it is still armed for at.
	DeleteAlarmAt(ctx context.Context, id string, at time.Time) error
	ListAlarms(ctx context.Context) ([]models.Alarm, error)
}

// Journal records every alarm before handing it to the wrapped dispatcher,
// so the set of armed alarms can be rebuilt after a restart.
type Journal struct {
	next   Dispatcher
	store  Store
	logger zerolog.Logger
}

func NewJournal(next Dispatcher, store Store, logger zerolog.Logger) *Journal {
	return &Journal{
		next:   next,
		store:  store,
		logger: logger.With().Str("component", "alarm_journal").Logger(),
	}
}

func (j *Journal) Arm(ctx context.Context, id string, at time.Time, payload models.AlarmPayload) error {
	if err := j.store.SaveAlarm(ctx, models.Alarm{AlarmID: id, FireAt: at, Payload: payload}); err != nil {
		return fmt.Errorf("journal alarm %s: %w", id, err)
	}
	if err := j.next.Arm(ctx, id, at, payload); err != nil {
		if delErr := j.store.DeleteAlarmAt(ctx, id, at); delErr != nil {
			j.logger.Error().Err(delErr).Str("alarm_id", id).Msg("failed to drop journal record of unarmed alarm")
		}
		return err
	}
	return nil
}

func (j *Journal) Cancel(ctx context.Context, id string) error {
	if err := j.next.Cancel(ctx, id); err != nil {
		return err
	}
	if err := j.store.DeleteAlarm(ctx, id); err != nil {
		return fmt.Errorf("drop journal alarm %s: %w", id, err)
	}
	return nil
}

// Done drops the record of an alarm that has fired. A record re-armed for a
// different instant in the meantime is kept.
func (j *Journal) Done(ctx context.Context, a models.Alarm) error {
	if err := j.store.DeleteAlarmAt(ctx, a.AlarmID, a.FireAt); err != nil {
		return fmt.Errorf("drop fired alarm %s: %w", a.AlarmID, err)
	}
	return nil
}

// Restore re-arms every journaled alarm that is still ahead of now and returns
// them. Alarms whose instant passed while the process was down are returned
// as overdue without being armed; the caller handles them before anything
// else can replace their records.
func (j *Journal) Restore(ctx context.Context, now time.Time) (armed, overdue []models.Alarm, err error) {
	alarms, err := j.store.ListAlarms(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list journal alarms: %w", err)
	}
	sort.SliceStable(alarms, func(a, b int) bool { return alarms[a].FireAt.Before(alarms[b].FireAt) })

	for _, a := range alarms {
		if !a.FireAt.After(now) {
			overdue = append(overdue, a)
			continue
		}
		if err := j.next.Arm(ctx, a.AlarmID, a.FireAt, a.Payload); err != nil {
			return nil, nil, fmt.Errorf("restore alarm %s: %w", a.AlarmID, err)
		}
		armed = append(armed, a)
	}
	j.logger.Info().Int("armed", len(armed)).Int("overdue", len(overdue)).Msg("alarms restored")
	return armed, overdue, nil
}
