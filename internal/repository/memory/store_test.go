package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/repository"
)

func seed(t *testing.T, s *Store) (*models.Medicine, *models.Reminder) {
	t.Helper()
	ctx := context.Background()
	stock := 10.0
	med := &models.Medicine{Name: "Metformin", Unit: "tablet", Active: true, Stock: &stock}
	if err := s.CreateMedicine(ctx, med); err != nil {
		t.Fatalf("CreateMedicine: %v", err)
	}
	rem := &models.Reminder{
		MedicineID: med.MedicineID,
		Schedule:   &models.DailySchedule{At: models.MustTimeOfDay("08:00")},
		Dose:       1,
		Active:     true,
	}
	if err := s.CreateReminder(ctx, rem); err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	return med, rem
}

func TestMaterializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, rem := seed(t, s)
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	first, created, err := s.Materialize(ctx, rem.ReminderID, at, 1)
	if err != nil || !created {
		t.Fatalf("first Materialize: created=%v err=%v", created, err)
	}
	second, created, err := s.Materialize(ctx, rem.ReminderID, at, 1)
	if err != nil || created {
		t.Fatalf("second Materialize: created=%v err=%v", created, err)
	}
	if first.OccurrenceID != second.OccurrenceID {
		t.Errorf("got two occurrences %d and %d", first.OccurrenceID, second.OccurrenceID)
	}

	got, _ := s.GetReminder(ctx, rem.ReminderID)
	if got.LastScheduledAt == nil || !got.LastScheduledAt.Equal(at) {
		t.Errorf("LastScheduledAt = %v", got.LastScheduledAt)
	}
}

func TestMaterializeReusesPendingOccurrence(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, rem := seed(t, s)
	day := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	first, _, _ := s.Materialize(ctx, rem.ReminderID, day, 1)
	next, created, err := s.Materialize(ctx, rem.ReminderID, day.AddDate(0, 0, 1), 1)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if created || next.OccurrenceID != first.OccurrenceID {
		t.Errorf("raised a second occurrence while one is pending")
	}

	raised, _ := s.ListRaised(ctx, rem.ReminderID)
	if len(raised) != 1 {
		t.Errorf("raised = %d, want 1", len(raised))
	}
}

func TestUpdateOccurrenceStatusDetectsConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, rem := seed(t, s)
	occ, _, _ := s.Materialize(ctx, rem.ReminderID, time.Now(), 1)

	a, _ := s.GetOccurrence(ctx, occ.OccurrenceID)
	b, _ := s.GetOccurrence(ctx, occ.OccurrenceID)

	now := time.Now()
	a.Status, a.ActedAt = models.StatusTaken, &now
	if err := s.UpdateOccurrenceStatus(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	b.Status, b.ActedAt = models.StatusSkipped, &now
	if err := s.UpdateOccurrenceStatus(ctx, b); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("second update: got %v, want ErrConflict", err)
	}

	got, _ := s.GetOccurrence(ctx, occ.OccurrenceID)
	if got.Status != models.StatusTaken || got.Version != 2 {
		t.Errorf("stored %+v", got)
	}
}

func TestCreateReminderRejectsLinkCycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	med, root := seed(t, s)

	linked := &models.Reminder{
		MedicineID: med.MedicineID,
		Schedule:   &models.LinkedSchedule{PredecessorID: root.ReminderID, OffsetMinutes: 30},
		Active:     true,
	}
	if err := s.CreateReminder(ctx, linked); err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}

	// Point the root at its own dependent.
	root.Schedule = &models.LinkedSchedule{PredecessorID: linked.ReminderID}
	if err := s.UpdateReminder(ctx, root); !errors.Is(err, models.ErrLinkCycle) {
		t.Errorf("got %v, want ErrLinkCycle", err)
	}

	deps, _ := s.ListDependents(ctx, root.ReminderID)
	if len(deps) != 1 || deps[0].ReminderID != linked.ReminderID {
		t.Errorf("dependents = %+v", deps)
	}
}

func TestListSchedulableFilters(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	med, rem := seed(t, s)

	inactiveMed := &models.Medicine{Name: "Paused", Active: false}
	_ = s.CreateMedicine(ctx, inactiveMed)
	_ = s.CreateReminder(ctx, &models.Reminder{
		MedicineID: inactiveMed.MedicineID,
		Schedule:   &models.DailySchedule{At: models.MustTimeOfDay("09:00")},
		Active:     true,
	})
	deleted := &models.Reminder{
		MedicineID: med.MedicineID,
		Schedule:   &models.DailySchedule{At: models.MustTimeOfDay("10:00")},
		Active:     true,
	}
	_ = s.CreateReminder(ctx, deleted)
	if err := s.SoftDeleteReminder(ctx, deleted.ReminderID); err != nil {
		t.Fatalf("SoftDeleteReminder: %v", err)
	}

	got, err := s.ListSchedulable(ctx)
	if err != nil {
		t.Fatalf("ListSchedulable: %v", err)
	}
	if len(got) != 1 || got[0].ReminderID != rem.ReminderID {
		t.Errorf("schedulable = %+v", got)
	}

	if _, err := s.GetReminder(ctx, deleted.ReminderID); err != nil {
		t.Errorf("soft-deleted reminder is gone: %v", err)
	}
}

func TestMaterializeConsumesLinkedSeed(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, rem := seed(t, s)
	due := time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)

	_ = s.SetLinkedDue(ctx, rem.ReminderID, due)
	if _, _, err := s.Materialize(ctx, rem.ReminderID, due, 1); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, _ := s.GetReminder(ctx, rem.ReminderID)
	if got.LinkedDueAt != nil {
		t.Errorf("seed kept: %v", got.LinkedDueAt)
	}
}

func TestUpdateStockIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	med, _ := seed(t, s)

	boom := errors.New("boom")
	_, err := s.UpdateStock(ctx, med.MedicineID, func(m *models.Medicine) error {
		v := 0.0
		m.Stock = &v
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	got, _ := s.GetMedicine(ctx, med.MedicineID)
	if *got.Stock != 10 {
		t.Errorf("failed update leaked: stock = %v", *got.Stock)
	}
}

func TestSettingsDefaults(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	got, _ := s.GetSettings(ctx)
	if got.Weekend.Enabled || got.Weekend.DelayTo != models.MustTimeOfDay("10:00") {
		t.Errorf("defaults = %+v", got.Weekend)
	}

	got.Weekend.Enabled = true
	_ = s.SaveSettings(ctx, got)
	again, _ := s.GetSettings(ctx)
	if !again.Weekend.Enabled {
		t.Error("settings not saved")
	}
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	med, _ := seed(t, s)

	morning, _ := s.CreateTag(ctx, "morning")
	dup, _ := s.CreateTag(ctx, "morning")
	if dup.TagID != morning.TagID {
		t.Error("duplicate tag name created a second tag")
	}
	if err := s.TagMedicine(ctx, med.MedicineID, morning.TagID); err != nil {
		t.Fatalf("TagMedicine: %v", err)
	}
	tags, _ := s.ListMedicineTags(ctx, med.MedicineID)
	if len(tags) != 1 || tags[0].Name != "morning" {
		t.Errorf("tags = %+v", tags)
	}
}
