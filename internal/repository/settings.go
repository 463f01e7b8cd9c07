package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/MedLine/internal/database"
	"github.com/hray3182/MedLine/internal/models"
)

type SettingsRepository struct {
	db *database.DB
}

func NewSettingsRepository(db *database.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetSettings returns the stored settings, or the defaults if none were saved.
func (r *SettingsRepository) GetSettings(ctx context.Context) (*models.Settings, error) {
	settings := models.NewDefaultSettings()
	var weekendJSON []byte

	err := r.db.Pool.QueryRow(ctx,
		`SELECT weekend, timezone, updated_at FROM settings WHERE id = 1`,
	).Scan(&weekendJSON, &settings.Timezone, &settings.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(weekendJSON, &settings.Weekend); err != nil {
		settings.Weekend = models.NewDefaultSettings().Weekend
	}
	return settings, nil
}

func (r *SettingsRepository) SaveSettings(ctx context.Context, settings *models.Settings) error {
	weekendJSON, err := json.Marshal(settings.Weekend)
	if err != nil {
		return err
	}
	settings.UpdatedAt = time.Now()

	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO settings (id, weekend, timezone, updated_at) VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET weekend = EXCLUDED.weekend, timezone = EXCLUDED.timezone,
		     updated_at = EXCLUDED.updated_at`,
		weekendJSON, settings.Timezone, settings.UpdatedAt,
	)
	return err
}
