// Package repository stores the medication data in Postgres.
package repository

import "github.com/hray3182/MedLine/internal/database"

// Store bundles the Postgres repositories. Its method set matches the
// in-memory store so either can back the engine.
type Store struct {
	*MedicineRepository
	*ReminderRepository
	*OccurrenceRepository
	*SettingsRepository
	*AlarmRepository
	*TagRepository
}

func NewStore(db *database.DB) *Store {
	return &Store{
		MedicineRepository:   NewMedicineRepository(db),
		ReminderRepository:   NewReminderRepository(db),
		OccurrenceRepository: NewOccurrenceRepository(db),
		SettingsRepository:   NewSettingsRepository(db),
		AlarmRepository:      NewAlarmRepository(db),
		TagRepository:        NewTagRepository(db),
	}
}
