package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hray3182/MedLine/internal/database"
	"github.com/hray3182/MedLine/internal/models"
)

// AlarmRepository is the durable alarm journal.
type AlarmRepository struct {
	db *database.DB
}

func NewAlarmRepository(db *database.DB) *AlarmRepository {
	return &AlarmRepository{db: db}
}

func (r *AlarmRepository) SaveAlarm(ctx context.Context, a models.Alarm) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO alarms (alarm_id, fire_at, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (alarm_id) DO UPDATE SET fire_at = EXCLUDED.fire_at, payload = EXCLUDED.payload`,
		a.AlarmID, a.FireAt, payload,
	)
	return err
}

func (r *AlarmRepository) DeleteAlarm(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM alarms WHERE alarm_id = $1`, id)
	return err
}

func (r *AlarmRepository) DeleteAlarmAt(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM alarms WHERE alarm_id = $1 AND fire_at = $2`, id, at)
	return err
}

func (r *AlarmRepository) ListAlarms(ctx context.Context) ([]models.Alarm, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT alarm_id, fire_at, payload FROM alarms ORDER BY fire_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		var a models.Alarm
		var payload []byte
		if err := rows.Scan(&a.AlarmID, &a.FireAt, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("decode alarm %s: %w", a.AlarmID, err)
		}
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}
