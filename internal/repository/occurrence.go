package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/MedLine/internal/database"
	"github.com/hray3182/MedLine/internal/models"
)

// OccurrenceRepository stores occurrences in the reminder_events table.
type OccurrenceRepository struct {
	db *database.DB
}

func NewOccurrenceRepository(db *database.DB) *OccurrenceRepository {
	return &OccurrenceRepository{db: db}
}

const occurrenceColumns = `e.event_id, e.reminder_id, r.medicine_id, e.scheduled_at, e.status, e.acted_at, e.dose, e.version, e.created_at`

func scanOccurrence(row pgx.Row) (*models.Occurrence, error) {
	o := &models.Occurrence{}
	err := row.Scan(&o.OccurrenceID, &o.ReminderID, &o.MedicineID, &o.ScheduledAt, &o.Status,
		&o.ActedAt, &o.Dose, &o.Version, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func collectOccurrences(rows pgx.Rows) ([]*models.Occurrence, error) {
	defer rows.Close()
	var out []*models.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Materialize records that the reminder came due at. While an earlier
// occurrence is still raised, that one is returned instead of a new one.
// Materializing the same instant twice returns the first record. created is
// true only when a new row was inserted. A Linked reminder's seed is consumed.
func (r *OccurrenceRepository) Materialize(ctx context.Context, reminderID int64, at time.Time, dose float64) (*models.Occurrence, bool, error) {
	var (
		occ     *models.Occurrence
		created bool
	)
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		// Serializes concurrent materializations of the same reminder.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT TRUE FROM reminders WHERE reminder_id = $1 FOR UPDATE`,
			reminderID,
		).Scan(&exists); err != nil {
			return notFound(err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE reminders SET linked_due_at = NULL WHERE reminder_id = $1 AND linked_due_at <= $2`,
			reminderID, at,
		); err != nil {
			return err
		}

		pending, err := scanOccurrence(tx.QueryRow(ctx,
			`SELECT `+occurrenceColumns+`
			 FROM reminder_events e JOIN reminders r ON r.reminder_id = e.reminder_id
			 WHERE e.reminder_id = $1 AND e.status = 'raised'`,
			reminderID,
		))
		if err == nil {
			occ = pending
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		var id int64
		err = tx.QueryRow(ctx,
			`INSERT INTO reminder_events (reminder_id, scheduled_at, status, dose)
			 VALUES ($1, $2, 'raised', $3)
			 ON CONFLICT (reminder_id, scheduled_at) DO NOTHING
			 RETURNING event_id`,
			reminderID, at, dose,
		).Scan(&id)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, pgx.ErrNoRows):
			if err := tx.QueryRow(ctx,
				`SELECT event_id FROM reminder_events WHERE reminder_id = $1 AND scheduled_at = $2`,
				reminderID, at,
			).Scan(&id); err != nil {
				return notFound(err)
			}
		default:
			return err
		}

		occ, err = scanOccurrence(tx.QueryRow(ctx,
			`SELECT `+occurrenceColumns+`
			 FROM reminder_events e JOIN reminders r ON r.reminder_id = e.reminder_id
			 WHERE e.event_id = $1`,
			id,
		))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return occ, created, nil
}

func (r *OccurrenceRepository) GetOccurrence(ctx context.Context, occurrenceID int64) (*models.Occurrence, error) {
	return scanOccurrence(r.db.Pool.QueryRow(ctx,
		`SELECT `+occurrenceColumns+`
		 FROM reminder_events e JOIN reminders r ON r.reminder_id = e.reminder_id
		 WHERE e.event_id = $1`,
		occurrenceID,
	))
}

// UpdateOccurrenceStatus writes Status and ActedAt if the stored version still
// matches occ.Version, then bumps occ.Version.
func (r *OccurrenceRepository) UpdateOccurrenceStatus(ctx context.Context, occ *models.Occurrence) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminder_events SET status = $1, acted_at = $2, version = version + 1
		 WHERE event_id = $3 AND version = $4`,
		occ.Status, occ.ActedAt, occ.OccurrenceID, occ.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetOccurrence(ctx, occ.OccurrenceID); err != nil {
			return err
		}
		return ErrConflict
	}
	occ.Version++
	return nil
}

// ListRaised returns the pending occurrences of a reminder, or of every
// reminder when reminderID is 0.
func (r *OccurrenceRepository) ListRaised(ctx context.Context, reminderID int64) ([]*models.Occurrence, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+occurrenceColumns+`
		 FROM reminder_events e JOIN reminders r ON r.reminder_id = e.reminder_id
		 WHERE e.status = 'raised' AND ($1::BIGINT = 0 OR e.reminder_id = $1)
		 ORDER BY e.scheduled_at ASC`,
		reminderID,
	)
	if err != nil {
		return nil, err
	}
	return collectOccurrences(rows)
}

// ListOccurrences returns the most recent occurrences of a reminder, newest first.
func (r *OccurrenceRepository) ListOccurrences(ctx context.Context, reminderID int64, limit int) ([]*models.Occurrence, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+occurrenceColumns+`
		 FROM reminder_events e JOIN reminders r ON r.reminder_id = e.reminder_id
		 WHERE e.reminder_id = $1
		 ORDER BY e.scheduled_at DESC
		 LIMIT $2`,
		reminderID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectOccurrences(rows)
}
