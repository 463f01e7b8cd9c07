// Package memory keeps the medication data in process memory. It behaves
// like the Postgres repositories and backs tests and database-less runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	medicines    map[int64]models.Medicine
	reminders    map[int64]models.Reminder
	occurrences  map[int64]models.Occurrence
	tags         map[int64]models.Tag
	medicineTags map[int64]map[int64]bool
	alarms       map[string]models.Alarm
	settings     *models.Settings

	nextID int64
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		medicines:    make(map[int64]models.Medicine),
		reminders:    make(map[int64]models.Reminder),
		occurrences:  make(map[int64]models.Occurrence),
		tags:         make(map[int64]models.Tag),
		medicineTags: make(map[int64]map[int64]bool),
		alarms:       make(map[string]models.Alarm),
		now:          time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Medicines

func (s *Store) CreateMedicine(ctx context.Context, m *models.Medicine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.MedicineID = s.id()
	m.CreatedAt = s.now()
	s.medicines[m.MedicineID] = copyMedicine(*m)
	return nil
}

func (s *Store) GetMedicine(ctx context.Context, medicineID int64) (*models.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.medicines[medicineID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyMedicine(m)
	return &out, nil
}

func (s *Store) ListMedicines(ctx context.Context) ([]*models.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Medicine, 0, len(s.medicines))
	for _, m := range s.medicines {
		c := copyMedicine(m)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateStock(ctx context.Context, medicineID int64, fn func(m *models.Medicine) error) (*models.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.medicines[medicineID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	m := copyMedicine(stored)
	if err := fn(&m); err != nil {
		return nil, err
	}
	stored.Stock = m.Stock
	s.medicines[medicineID] = copyMedicine(stored)
	out := copyMedicine(stored)
	return &out, nil
}

func copyMedicine(m models.Medicine) models.Medicine {
	if m.Stock != nil {
		v := *m.Stock
		m.Stock = &v
	}
	if m.LowStockThreshold != nil {
		v := *m.LowStockThreshold
		m.LowStockThreshold = &v
	}
	return m
}

// Reminders

func (s *Store) validate(rem *models.Reminder) error {
	if err := rem.Validate(); err != nil {
		return err
	}
	return models.ValidateLinkChain(rem, func(id int64) (*models.Reminder, bool) {
		pred, ok := s.reminders[id]
		if !ok || pred.DeletedAt != nil {
			return nil, false
		}
		return &pred, true
	})
}

func (s *Store) CreateReminder(ctx context.Context, rem *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(rem); err != nil {
		return err
	}
	if _, ok := s.medicines[rem.MedicineID]; !ok {
		return repository.ErrNotFound
	}
	rem.ReminderID = s.id()
	rem.CreatedAt = s.now()
	stored := *rem
	stored.LastScheduledAt, stored.LinkedDueAt, stored.DeletedAt = nil, nil, nil
	s.reminders[rem.ReminderID] = stored
	return nil
}

func (s *Store) UpdateReminder(ctx context.Context, rem *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.reminders[rem.ReminderID]
	if !ok || stored.DeletedAt != nil {
		return repository.ErrNotFound
	}
	if err := s.validate(rem); err != nil {
		return err
	}
	stored.MedicineID = rem.MedicineID
	stored.Schedule = rem.Schedule
	stored.Dose = rem.Dose
	stored.Active = rem.Active
	s.reminders[rem.ReminderID] = stored
	return nil
}

func (s *Store) GetReminder(ctx context.Context, reminderID int64) (*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rem, ok := s.reminders[reminderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.withRuntime(rem), nil
}

func (s *Store) ListSchedulable(ctx context.Context) ([]*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Reminder
	for _, rem := range s.reminders {
		if !rem.Active || rem.DeletedAt != nil {
			continue
		}
		if m, ok := s.medicines[rem.MedicineID]; !ok || !m.Active {
			continue
		}
		out = append(out, s.withRuntime(rem))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReminderID < out[j].ReminderID })
	return out, nil
}

func (s *Store) ListDependents(ctx context.Context, predecessorID int64) ([]*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Reminder
	for _, rem := range s.reminders {
		if !rem.Active || rem.DeletedAt != nil {
			continue
		}
		if pred, ok := rem.Predecessor(); ok && pred == predecessorID {
			out = append(out, s.withRuntime(rem))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReminderID < out[j].ReminderID })
	return out, nil
}

func (s *Store) SetLinkedDue(ctx context.Context, reminderID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rem, ok := s.reminders[reminderID]
	if !ok {
		return repository.ErrNotFound
	}
	rem.LinkedDueAt = &at
	s.reminders[reminderID] = rem
	return nil
}

func (s *Store) SoftDeleteReminder(ctx context.Context, reminderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rem, ok := s.reminders[reminderID]
	if !ok || rem.DeletedAt != nil {
		return repository.ErrNotFound
	}
	now := s.now()
	rem.DeletedAt = &now
	rem.Active = false
	rem.LinkedDueAt = nil
	s.reminders[reminderID] = rem
	return nil
}

// withRuntime fills the fields Postgres computes on read.
func (s *Store) withRuntime(rem models.Reminder) *models.Reminder {
	var last *time.Time
	for _, o := range s.occurrences {
		if o.ReminderID != rem.ReminderID {
			continue
		}
		if last == nil || o.ScheduledAt.After(*last) {
			at := o.ScheduledAt
			last = &at
		}
	}
	rem.LastScheduledAt = last
	if rem.LinkedDueAt != nil {
		due := *rem.LinkedDueAt
		rem.LinkedDueAt = &due
	}
	return &rem
}

// Occurrences

func (s *Store) Materialize(ctx context.Context, reminderID int64, at time.Time, dose float64) (*models.Occurrence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rem, ok := s.reminders[reminderID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if rem.LinkedDueAt != nil && !rem.LinkedDueAt.After(at) {
		rem.LinkedDueAt = nil
		s.reminders[reminderID] = rem
	}

	for _, o := range s.occurrences {
		if o.ReminderID == reminderID && o.IsPending() {
			return s.occurrence(o), false, nil
		}
	}
	for _, o := range s.occurrences {
		if o.ReminderID == reminderID && o.ScheduledAt.Equal(at) {
			return s.occurrence(o), false, nil
		}
	}

	o := models.Occurrence{
		OccurrenceID: s.id(),
		ReminderID:   reminderID,
		ScheduledAt:  at,
		Status:       models.StatusRaised,
		Dose:         dose,
		Version:      1,
		CreatedAt:    s.now(),
	}
	s.occurrences[o.OccurrenceID] = o
	return s.occurrence(o), true, nil
}

func (s *Store) GetOccurrence(ctx context.Context, occurrenceID int64) (*models.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.occurrences[occurrenceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.occurrence(o), nil
}

func (s *Store) UpdateOccurrenceStatus(ctx context.Context, occ *models.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.occurrences[occ.OccurrenceID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != occ.Version {
		return repository.ErrConflict
	}
	stored.Status = occ.Status
	if occ.ActedAt != nil {
		at := *occ.ActedAt
		stored.ActedAt = &at
	} else {
		stored.ActedAt = nil
	}
	stored.Version++
	s.occurrences[occ.OccurrenceID] = stored
	occ.Version = stored.Version
	return nil
}

func (s *Store) ListRaised(ctx context.Context, reminderID int64) ([]*models.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Occurrence
	for _, o := range s.occurrences {
		if o.IsPending() && (reminderID == 0 || o.ReminderID == reminderID) {
			out = append(out, s.occurrence(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *Store) ListOccurrences(ctx context.Context, reminderID int64, limit int) ([]*models.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Occurrence
	for _, o := range s.occurrences {
		if o.ReminderID == reminderID {
			out = append(out, s.occurrence(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) occurrence(o models.Occurrence) *models.Occurrence {
	if rem, ok := s.reminders[o.ReminderID]; ok {
		o.MedicineID = rem.MedicineID
	}
	if o.ActedAt != nil {
		at := *o.ActedAt
		o.ActedAt = &at
	}
	return &o
}

// Settings

func (s *Store) GetSettings(ctx context.Context) (*models.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return models.NewDefaultSettings(), nil
	}
	out := *s.settings
	out.Weekend.Days = append([]time.Weekday(nil), s.settings.Weekend.Days...)
	return &out, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings *models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings.UpdatedAt = s.now()
	stored := *settings
	stored.Weekend.Days = append([]time.Weekday(nil), settings.Weekend.Days...)
	s.settings = &stored
	return nil
}

// Alarm journal

func (s *Store) SaveAlarm(ctx context.Context, a models.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[a.AlarmID] = a
	return nil
}

func (s *Store) DeleteAlarm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, id)
	return nil
}

func (s *Store) DeleteAlarmAt(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alarms[id]; ok && a.FireAt.Equal(at) {
		delete(s.alarms, id)
	}
	return nil
}

func (s *Store) ListAlarms(ctx context.Context) ([]models.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

// Tags

func (s *Store) CreateTag(ctx context.Context, name string) (*models.Tag, error) {
	if name == "" {
		return nil, errors.New("tag name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tags {
		if t.Name == name {
			out := t
			return &out, nil
		}
	}
	t := models.Tag{TagID: s.id(), Name: name}
	s.tags[t.TagID] = t
	return &t, nil
}

func (s *Store) TagMedicine(ctx context.Context, medicineID, tagID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.medicines[medicineID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.tags[tagID]; !ok {
		return repository.ErrNotFound
	}
	if s.medicineTags[medicineID] == nil {
		s.medicineTags[medicineID] = make(map[int64]bool)
	}
	s.medicineTags[medicineID][tagID] = true
	return nil
}

func (s *Store) ListMedicineTags(ctx context.Context, medicineID int64) ([]*models.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Tag
	for tagID := range s.medicineTags[medicineID] {
		t := s.tags[tagID]
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
