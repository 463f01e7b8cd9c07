package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/MedLine/internal/database"
	"github.com/hray3182/MedLine/internal/models"
)

type ReminderRepository struct {
	db *database.DB
}

func NewReminderRepository(db *database.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

const reminderColumns = `r.reminder_id, r.medicine_id, r.kind, r.params, r.dose, r.active, r.deleted_at, r.created_at,
	r.linked_due_at, (SELECT MAX(e.scheduled_at) FROM reminder_events e WHERE e.reminder_id = r.reminder_id)`

// scanReminder leaves Schedule nil when the stored parameters cannot be
// decoded; Validate reports it to the caller.
func scanReminder(row pgx.Row) (*models.Reminder, error) {
	rem := &models.Reminder{}
	var kind models.Kind
	var params []byte
	err := row.Scan(&rem.ReminderID, &rem.MedicineID, &kind, &params, &rem.Dose, &rem.Active,
		&rem.DeletedAt, &rem.CreatedAt, &rem.LinkedDueAt, &rem.LastScheduledAt)
	if err != nil {
		return nil, notFound(err)
	}
	if s, err := models.DecodeSchedule(kind, params); err == nil {
		rem.Schedule = s
	}
	return rem, nil
}

func collectReminders(rows pgx.Rows) ([]*models.Reminder, error) {
	defer rows.Close()
	var reminders []*models.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, rem)
	}
	return reminders, rows.Err()
}

func (r *ReminderRepository) validate(ctx context.Context, rem *models.Reminder) error {
	if err := rem.Validate(); err != nil {
		return err
	}
	var lookupErr error
	err := models.ValidateLinkChain(rem, func(id int64) (*models.Reminder, bool) {
		pred, err := r.GetReminder(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				lookupErr = err
			}
			return nil, false
		}
		return pred, pred.DeletedAt == nil
	})
	if lookupErr != nil {
		return lookupErr
	}
	return err
}

func (r *ReminderRepository) CreateReminder(ctx context.Context, rem *models.Reminder) error {
	if err := r.validate(ctx, rem); err != nil {
		return err
	}
	kind, params, err := models.EncodeSchedule(rem.Schedule)
	if err != nil {
		return err
	}
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO reminders (medicine_id, kind, params, dose, active)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING reminder_id, created_at`,
		rem.MedicineID, kind, params, rem.Dose, rem.Active,
	).Scan(&rem.ReminderID, &rem.CreatedAt)
}

func (r *ReminderRepository) UpdateReminder(ctx context.Context, rem *models.Reminder) error {
	if err := r.validate(ctx, rem); err != nil {
		return err
	}
	kind, params, err := models.EncodeSchedule(rem.Schedule)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET medicine_id = $1, kind = $2, params = $3, dose = $4, active = $5
		 WHERE reminder_id = $6 AND deleted_at IS NULL`,
		rem.MedicineID, kind, params, rem.Dose, rem.Active, rem.ReminderID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetReminder returns the reminder including soft-deleted ones.
func (r *ReminderRepository) GetReminder(ctx context.Context, reminderID int64) (*models.Reminder, error) {
	return scanReminder(r.db.Pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders r WHERE r.reminder_id = $1`,
		reminderID,
	))
}

// ListSchedulable returns active reminders of active medicines with their
// last materialized instant.
func (r *ReminderRepository) ListSchedulable(ctx context.Context) ([]*models.Reminder, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders r JOIN medicines m ON m.medicine_id = r.medicine_id
		 WHERE r.active AND r.deleted_at IS NULL AND m.active
		 ORDER BY r.reminder_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

// ListDependents returns the live Linked reminders that follow predecessorID.
func (r *ReminderRepository) ListDependents(ctx context.Context, predecessorID int64) ([]*models.Reminder, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders r
		 WHERE r.kind = 'linked' AND (r.params ->> 'predecessor_id')::BIGINT = $1
		   AND r.active AND r.deleted_at IS NULL
		 ORDER BY r.reminder_id ASC`,
		predecessorID,
	)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

func (r *ReminderRepository) SetLinkedDue(ctx context.Context, reminderID int64, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET linked_due_at = $1 WHERE reminder_id = $2`,
		at, reminderID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteReminder hides the reminder from scheduling. Its occurrences stay.
func (r *ReminderRepository) SoftDeleteReminder(ctx context.Context, reminderID int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET deleted_at = NOW(), active = FALSE, linked_due_at = NULL
		 WHERE reminder_id = $1 AND deleted_at IS NULL`,
		reminderID,
	)
	if err != nil {
		return fmt.Errorf("delete reminder %d: %w", reminderID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
