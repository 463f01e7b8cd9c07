package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/alarm"
	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/notify"
	"github.com/hray3182/MedLine/internal/repository/memory"
	"github.com/hray3182/MedLine/internal/scheduler"
	"github.com/hray3182/MedLine/internal/stock"
)

type fakePresenter struct {
	shown     []notify.Notification
	updated   []notify.Notification
	dismissed []int64
}

func (f *fakePresenter) Show(_ context.Context, n notify.Notification) error {
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakePresenter) Update(_ context.Context, n notify.Notification) error {
	f.updated = append(f.updated, n)
	return nil
}

func (f *fakePresenter) Dismiss(_ context.Context, id int64) error {
	f.dismissed = append(f.dismissed, id)
	return nil
}

type armed struct {
	at      time.Time
	payload models.AlarmPayload
}

type fakeDispatcher struct {
	alarms map[string]armed
}

func (f *fakeDispatcher) Arm(_ context.Context, id string, at time.Time, p models.AlarmPayload) error {
	f.alarms[id] = armed{at: at, payload: p}
	return nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, id string) error {
	delete(f.alarms, id)
	return nil
}

type fakeSignaler struct {
	warnings []string
}

func (f *fakeSignaler) LowStock(context.Context, notify.LowStockSignal) {}

func (f *fakeSignaler) Warn(_ context.Context, msg string) {
	f.warnings = append(f.warnings, msg)
}

type failingStock struct {
	calls int
}

func (f *failingStock) Decrement(context.Context, int64, float64) (stock.Result, error) {
	f.calls++
	return stock.Result{}, errors.New("connection reset")
}

// flakySeeds fails the first failures calls to SetLinkedDue.
type flakySeeds struct {
	*memory.Store
	failures int
}

func (f *flakySeeds) SetLinkedDue(ctx context.Context, reminderID int64, at time.Time) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Store.SetLinkedDue(ctx, reminderID, at)
}

type countingRescheduler struct {
	calls int
}

func (c *countingRescheduler) Reschedule(context.Context) (*scheduler.Plan, error) {
	c.calls++
	return nil, nil
}

var now = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store      *memory.Store
	presenter  *fakePresenter
	signaler   *fakeSignaler
	dispatcher *fakeDispatcher
	sched      *countingRescheduler
	proc       *Processor

	medicineID int64
	first      *models.Reminder
	linked     *models.Reminder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:      memory.NewStore(),
		presenter:  &fakePresenter{},
		signaler:   &fakeSignaler{},
		dispatcher: &fakeDispatcher{alarms: make(map[string]armed)},
		sched:      &countingRescheduler{},
	}

	count := 10.0
	med := &models.Medicine{Name: "Ibuprofen", Unit: "tablet", Active: true, Stock: &count}
	if err := f.store.CreateMedicine(ctx, med); err != nil {
		t.Fatalf("CreateMedicine: %v", err)
	}
	f.medicineID = med.MedicineID

	f.first = &models.Reminder{
		MedicineID: med.MedicineID,
		Dose:       1,
		Active:     true,
		Schedule:   &models.DailySchedule{At: models.MustTimeOfDay("08:00")},
	}
	if err := f.store.CreateReminder(ctx, f.first); err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	f.linked = &models.Reminder{
		MedicineID: med.MedicineID,
		Dose:       1,
		Active:     true,
		Schedule:   &models.LinkedSchedule{PredecessorID: f.first.ReminderID, OffsetMinutes: 30},
	}
	if err := f.store.CreateReminder(ctx, f.linked); err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}

	f.rebuild(f.store, stock.NewManager(f.store, nil, 2, zerolog.Nop()))
	return f
}

// rebuild replaces the processor, keeping the fixture's fakes.
func (f *fixture) rebuild(store Store, st Stock) {
	cfg := Config{SnoozeDelay: 15 * time.Minute, RepeatInterval: 10 * time.Minute, RepeatMax: 2}
	f.proc = New(store, f.dispatcher, f.presenter, f.signaler, st, f.sched, cfg, zerolog.Nop())
	f.proc.now = func() time.Time { return now }
}

func (f *fixture) raise(t *testing.T) *models.Occurrence {
	t.Helper()
	a := models.Alarm{
		AlarmID: alarm.GroupID,
		FireAt:  now,
		Payload: models.AlarmPayload{Kind: models.AlarmGroup, ReminderIDs: []int64{f.first.ReminderID}},
	}
	if err := f.proc.Materialize(context.Background(), a); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	raised, _ := f.store.ListRaised(context.Background(), f.first.ReminderID)
	if len(raised) != 1 {
		t.Fatalf("raised = %d, want 1", len(raised))
	}
	return raised[0]
}

func TestMaterializeShowsAndArmsRepeat(t *testing.T) {
	f := newFixture(t)
	occ := f.raise(t)

	if len(f.presenter.shown) != 1 || f.presenter.shown[0].MedicineName != "Ibuprofen" {
		t.Errorf("shown = %+v", f.presenter.shown)
	}
	rep, ok := f.dispatcher.alarms[alarm.RepeatID(occ.OccurrenceID)]
	if !ok || rep.payload.Attempt != 1 || !rep.at.Equal(now.Add(10*time.Minute)) {
		t.Errorf("repeat alarm = %+v, %v", rep, ok)
	}
	if f.sched.calls != 1 {
		t.Errorf("reschedule calls = %d", f.sched.calls)
	}
}

func TestMaterializeRedisplaysPending(t *testing.T) {
	f := newFixture(t)
	first := f.raise(t)

	a := models.Alarm{
		AlarmID: alarm.GroupID,
		FireAt:  now.Add(24 * time.Hour),
		Payload: models.AlarmPayload{Kind: models.AlarmGroup, ReminderIDs: []int64{f.first.ReminderID}},
	}
	if err := f.proc.Materialize(context.Background(), a); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	raised, _ := f.store.ListRaised(context.Background(), f.first.ReminderID)
	if len(raised) != 1 || raised[0].OccurrenceID != first.OccurrenceID {
		t.Errorf("raised = %+v", raised)
	}
	if len(f.presenter.updated) != 1 || len(f.presenter.shown) != 1 {
		t.Errorf("shown=%d updated=%d", len(f.presenter.shown), len(f.presenter.updated))
	}
}

func TestMaterializeUsesPerReminderDue(t *testing.T) {
	f := newFixture(t)
	due := now.Add(time.Minute)
	a := models.Alarm{
		AlarmID: alarm.GroupID,
		FireAt:  now,
		Payload: models.AlarmPayload{
			Kind:        models.AlarmGroup,
			ReminderIDs: []int64{f.first.ReminderID},
			Due:         map[int64]time.Time{f.first.ReminderID: due},
		},
	}
	if err := f.proc.Materialize(context.Background(), a); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	raised, _ := f.store.ListRaised(context.Background(), f.first.ReminderID)
	if len(raised) != 1 || !raised[0].ScheduledAt.Equal(due) {
		t.Errorf("raised = %+v", raised)
	}
}

func TestMaterializeSkipsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.SoftDeleteReminder(ctx, f.first.ReminderID); err != nil {
		t.Fatalf("SoftDeleteReminder: %v", err)
	}
	a := models.Alarm{
		AlarmID: alarm.GroupID,
		FireAt:  now,
		Payload: models.AlarmPayload{Kind: models.AlarmGroup, ReminderIDs: []int64{f.first.ReminderID, 999}},
	}
	if err := f.proc.Materialize(ctx, a); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	raised, _ := f.store.ListRaised(ctx, 0)
	if len(raised) != 0 || len(f.presenter.shown) != 0 {
		t.Errorf("raised=%d shown=%d", len(raised), len(f.presenter.shown))
	}
}

func TestSnoozeKeepsOccurrenceRaised(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	occ := f.raise(t)

	out, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionSnooze)
	if err != nil || out.Stale {
		t.Fatalf("Apply: %+v, %v", out, err)
	}
	got, _ := f.store.GetOccurrence(ctx, occ.OccurrenceID)
	if got.Status != models.StatusRaised {
		t.Errorf("status = %s", got.Status)
	}
	sn, ok := f.dispatcher.alarms[alarm.SnoozeID(occ.OccurrenceID)]
	if !ok || !sn.at.Equal(now.Add(15*time.Minute)) {
		t.Errorf("snooze alarm = %+v, %v", sn, ok)
	}
	if _, ok := f.dispatcher.alarms[alarm.RepeatID(occ.OccurrenceID)]; ok {
		t.Error("repeat alarm survived the snooze")
	}
	if len(f.presenter.dismissed) != 1 {
		t.Errorf("dismissed = %v", f.presenter.dismissed)
	}

	if err := f.proc.Redisplay(ctx, models.Alarm{Payload: sn.payload}); err != nil {
		t.Fatalf("Redisplay: %v", err)
	}
	if len(f.presenter.shown) != 2 {
		t.Errorf("shown = %d, want 2", len(f.presenter.shown))
	}
}

func TestTakenTwiceDecrementsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	occ := f.raise(t)

	out, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken)
	if err != nil || out.Stale || out.Occurrence.Status != models.StatusTaken {
		t.Fatalf("first Apply: %+v, %v", out, err)
	}
	out, err = f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken)
	if err != nil || !out.Stale {
		t.Fatalf("second Apply: %+v, %v", out, err)
	}

	med, _ := f.store.GetMedicine(ctx, f.medicineID)
	if *med.Stock != 9 {
		t.Errorf("stock = %v, want 9", *med.Stock)
	}
	if len(f.dispatcher.alarms) != 0 {
		t.Errorf("alarms left = %+v", f.dispatcher.alarms)
	}
}

func TestSkipAfterTakenIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	occ := f.raise(t)

	if _, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	out, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionSkipped)
	if err != nil || !out.Stale || out.Occurrence.Status != models.StatusTaken {
		t.Errorf("got %+v, %v", out, err)
	}
	out, err = f.proc.Apply(ctx, occ.OccurrenceID, models.ActionSnooze)
	if err != nil || !out.Stale {
		t.Errorf("snooze after taken: %+v, %v", out, err)
	}
}

func TestTakenSeedsLinkedReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	occ := f.raise(t)

	if _, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	linked, _ := f.store.GetReminder(ctx, f.linked.ReminderID)
	if linked.LinkedDueAt == nil || !linked.LinkedDueAt.Equal(now.Add(30*time.Minute)) {
		t.Errorf("linked due = %v", linked.LinkedDueAt)
	}
}

func TestTakenWarnsWhenStockUpdateFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &failingStock{}
	f.rebuild(f.store, st)
	occ := f.raise(t)

	out, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken)
	if err == nil {
		t.Fatal("stock failure was not reported")
	}
	if out.Occurrence == nil || out.Occurrence.Status != models.StatusTaken {
		t.Errorf("outcome = %+v", out)
	}
	if st.calls != 5 {
		t.Errorf("decrement attempts = %d, want 5", st.calls)
	}
	if len(f.signaler.warnings) != 1 {
		t.Errorf("warnings = %v", f.signaler.warnings)
	}

	got, _ := f.store.GetOccurrence(ctx, occ.OccurrenceID)
	if got.Status != models.StatusTaken {
		t.Errorf("status = %s", got.Status)
	}
	linked, _ := f.store.GetReminder(ctx, f.linked.ReminderID)
	if linked.LinkedDueAt == nil {
		t.Error("linked reminder not seeded after stock failure")
	}
}

func TestRepeatedTakenRepairsMissedSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakySeeds{Store: f.store, failures: 1}
	f.rebuild(flaky, stock.NewManager(f.store, nil, 2, zerolog.Nop()))
	occ := f.raise(t)

	if _, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken); err == nil {
		t.Fatal("seed failure was not reported")
	}
	linked, _ := f.store.GetReminder(ctx, f.linked.ReminderID)
	if linked.LinkedDueAt != nil {
		t.Fatalf("linked due = %v after failed seed", linked.LinkedDueAt)
	}
	calls := f.sched.calls

	out, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken)
	if err != nil || !out.Stale {
		t.Fatalf("second Apply: %+v, %v", out, err)
	}
	linked, _ = f.store.GetReminder(ctx, f.linked.ReminderID)
	due := now.Add(30 * time.Minute)
	if linked.LinkedDueAt == nil || !linked.LinkedDueAt.Equal(due) {
		t.Errorf("linked due = %v, want %v", linked.LinkedDueAt, due)
	}
	if f.sched.calls != calls+1 {
		t.Errorf("reschedule calls = %d, want %d", f.sched.calls, calls+1)
	}
	med, _ := f.store.GetMedicine(ctx, f.medicineID)
	if *med.Stock != 9 {
		t.Errorf("stock = %v, want 9", *med.Stock)
	}

	// once the linked reminder raised its occurrence the seed is not restored
	if _, _, err := f.store.Materialize(ctx, f.linked.ReminderID, due, 1); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionTaken); err != nil {
		t.Fatalf("third Apply: %v", err)
	}
	linked, _ = f.store.GetReminder(ctx, f.linked.ReminderID)
	if linked.LinkedDueAt != nil {
		t.Errorf("seed restored after the linked occurrence: %v", linked.LinkedDueAt)
	}
}

func TestSkippedDoesNotTouchStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	occ := f.raise(t)

	if _, err := f.proc.Apply(ctx, occ.OccurrenceID, models.ActionSkipped); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	med, _ := f.store.GetMedicine(ctx, f.medicineID)
	if *med.Stock != 10 {
		t.Errorf("stock = %v, want 10", *med.Stock)
	}
}

func TestRepeatStopsAtMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	occ := f.raise(t)
	id := alarm.RepeatID(occ.OccurrenceID)

	for attempt := 1; attempt <= 2; attempt++ {
		rep, ok := f.dispatcher.alarms[id]
		if !ok || rep.payload.Attempt != attempt {
			t.Fatalf("attempt %d: repeat alarm = %+v, %v", attempt, rep, ok)
		}
		delete(f.dispatcher.alarms, id)
		if err := f.proc.Repeat(ctx, models.Alarm{AlarmID: id, Payload: rep.payload}); err != nil {
			t.Fatalf("Repeat: %v", err)
		}
	}
	if _, ok := f.dispatcher.alarms[id]; ok {
		t.Error("repeat armed past the limit")
	}
	if len(f.presenter.updated) != 2 || f.presenter.updated[1].Attempt != 2 {
		t.Errorf("updated = %+v", f.presenter.updated)
	}
}

func TestForgetDismissesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	occ := f.raise(t)

	if err := f.proc.Forget(ctx, f.first.ReminderID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if len(f.presenter.dismissed) != 1 || f.presenter.dismissed[0] != occ.OccurrenceID {
		t.Errorf("dismissed = %v", f.presenter.dismissed)
	}
	if len(f.dispatcher.alarms) != 0 {
		t.Errorf("alarms left = %+v", f.dispatcher.alarms)
	}
	rem, _ := f.store.GetReminder(ctx, f.first.ReminderID)
	if rem.DeletedAt == nil {
		t.Error("reminder not deleted")
	}
	// deleting again is harmless
	if err := f.proc.Forget(ctx, f.first.ReminderID); err != nil {
		t.Errorf("second Forget: %v", err)
	}
}

func TestApplyUnknownOccurrence(t *testing.T) {
	f := newFixture(t)
	if _, err := f.proc.Apply(context.Background(), 404, models.ActionTaken); err == nil {
		t.Error("expected an error")
	}
}
