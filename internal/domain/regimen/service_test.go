package regimen_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/infrastructure/memory"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
)

var base = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// conflictStore fails the next n updates with a version conflict.
type conflictStore struct {
	*memory.RegimenStore
	n int
}

func (s *conflictStore) Update(ctx context.Context, sch *regimen.Schedule) error {
	if s.n > 0 {
		s.n--
		return regimen.ErrVersionConflict
	}
	return s.RegimenStore.Update(ctx, sch)
}

func newService(t *testing.T, store regimen.Store) (*regimen.Service, *fakeClock, *metrics.Metrics) {
	t.Helper()
	clock := &fakeClock{now: base.Add(7 * time.Hour)}
	m := metrics.New(prometheus.NewRegistry())
	svc := regimen.NewService(store, regimen.NewEngine(time.UTC, nil), nil,
		regimen.WithClock(clock.Now),
		regimen.WithMetrics(m),
	)
	return svc, clock, m
}

func dailyDefinition() regimen.Definition {
	return regimen.Definition{
		OwnerID:      "user-1",
		PatientID:    "patient-1",
		MedicineName: "Metformin",
		MedicineType: regimen.MedicineTablet,
		Dose:         1,
		Cadence:      regimen.DailyCadence{TimesPerDay: 2},
		StartHour:    8,
		StartAt:      base,
		EndAt:        base.AddDate(0, 0, 6),
	}
}

func TestServiceCreateAndGet(t *testing.T) {
	store := memory.NewRegimenStore()
	svc, _, m := newService(t, store)
	ctx := context.Background()

	created, err := svc.Create(ctx, dailyDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}
	if len(created.Changes()) != 0 {
		t.Error("expected changes to be committed")
	}

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Reminders) != 14 || got.InitialQuantity != 14 {
		t.Errorf("reminders %d, initial %d", len(got.Reminders), got.InitialQuantity)
	}
	if got.Intake != regimen.DefaultIntake {
		t.Errorf("intake = %q, want default", got.Intake)
	}
	if got := testutil.ToFloat64(m.RegimensCreated); got != 1 {
		t.Errorf("regimens created = %v, want 1", got)
	}

	events := store.Events()
	if len(events) != 1 || events[0].EventType != regimen.EventRegimenCreated {
		t.Errorf("expected RegimenCreated in the store, got %d events", len(events))
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, regimen.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestServiceMarkTakenRetriesOnConflict(t *testing.T) {
	store := &conflictStore{RegimenStore: memory.NewRegimenStore()}
	svc, clock, m := newService(t, store)
	ctx := context.Background()

	s, err := svc.Create(ctx, dailyDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	store.n = 2
	clock.now = base.Add(8 * time.Hour)
	ev, err := svc.MarkTaken(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("mark taken: %v", err)
	}
	if ev.Status != regimen.StatusTaken {
		t.Errorf("status = %s", ev.Status)
	}
	if got := testutil.ToFloat64(m.VersionConflicts); got != 2 {
		t.Errorf("conflicts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DosesTaken); got != 1 {
		t.Errorf("doses taken = %v, want 1", got)
	}

	stored, err := svc.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != 2 || stored.QuantityLeft != stored.InitialQuantity-1 {
		t.Errorf("version %d, left %d of %d", stored.Version, stored.QuantityLeft, stored.InitialQuantity)
	}
}

func TestServiceGivesUpAfterRepeatedConflicts(t *testing.T) {
	store := &conflictStore{RegimenStore: memory.NewRegimenStore()}
	svc, _, _ := newService(t, store)
	ctx := context.Background()

	s, err := svc.Create(ctx, dailyDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store.n = 10

	if _, err := svc.Skip(ctx, s.ID, 0); !errors.Is(err, regimen.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	stored, _ := svc.Get(ctx, s.ID)
	if stored.Reminders[0].Status != regimen.StatusPending {
		t.Error("failed update must not be stored")
	}
}

func TestServiceTransitionErrors(t *testing.T) {
	svc, _, _ := newService(t, memory.NewRegimenStore())
	ctx := context.Background()

	s, err := svc.Create(ctx, dailyDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkTaken(ctx, s.ID, 0); err != nil {
		t.Fatalf("mark taken: %v", err)
	}
	if _, err := svc.MarkTaken(ctx, s.ID, 0); !errors.Is(err, regimen.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	if _, err := svc.MarkTaken(ctx, s.ID, 99); !errors.Is(err, regimen.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestServiceSweepWritesOnlyOnChange(t *testing.T) {
	store := memory.NewRegimenStore()
	svc, clock, m := newService(t, store)
	ctx := context.Background()

	s, err := svc.Create(ctx, dailyDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.now = base.Add(20 * time.Hour)
	if _, err := svc.Sweep(ctx, s.ID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got, _ := svc.Get(ctx, s.ID); got.Version != 1 {
		t.Errorf("sweep without elapsed days wrote version %d", got.Version)
	}

	clock.now = base.AddDate(0, 0, 2).Add(time.Hour)
	result, err := svc.Sweep(ctx, s.ID)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(result.Missed) != 4 {
		t.Errorf("expected 4 missed doses, got %v", result.Missed)
	}
	if got := testutil.ToFloat64(m.DosesMissed); got != 4 {
		t.Errorf("doses missed = %v, want 4", got)
	}
	if got, _ := svc.Get(ctx, s.ID); got.Version != 2 || len(got.MissedDoses) != 4 {
		t.Errorf("version %d, missed %d", got.Version, len(got.MissedDoses))
	}
}

func TestServiceSweepPersistsDayReset(t *testing.T) {
	store := memory.NewRegimenStore()
	svc, clock, _ := newService(t, store)
	ctx := context.Background()

	def := dailyDefinition()
	def.Cadence = regimen.WeeklyCadence{Days: []regimen.Weekday{regimen.Tuesday}}
	def.EndAt = base.AddDate(0, 0, 14)
	s, err := svc.Create(ctx, def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Weekly doses are never marked missed, only reset once their day has passed.
	clock.now = base.AddDate(0, 0, 1).Add(time.Hour)
	result, err := svc.Sweep(ctx, s.ID)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(result.Missed) != 0 {
		t.Errorf("weekly sweep marked %v missed", result.Missed)
	}
	got, err := svc.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("reset sweep left version %d, want 2", got.Version)
	}
	if r := got.Reminders[0]; r.LastResetDate == nil || !r.LastResetDate.Equal(base) {
		t.Errorf("reset date not persisted: %+v", r)
	}

	if _, err := svc.Sweep(ctx, s.ID); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again, _ := svc.Get(ctx, s.ID); again.Version != 2 {
		t.Errorf("repeated sweep wrote version %d", again.Version)
	}
}

func TestServiceUpdate(t *testing.T) {
	svc, _, m := newService(t, memory.NewRegimenStore())
	ctx := context.Background()

	s, err := svc.Create(ctx, dailyDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tpd := 3
	updated, err := svc.Update(ctx, s.ID, regimen.Edits{TimesPerDay: &tpd})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Reminders) != 21 {
		t.Errorf("expected 21 reminders, got %d", len(updated.Reminders))
	}
	if got := testutil.ToFloat64(m.RegimensRescheduled); got != 1 {
		t.Errorf("rescheduled = %v, want 1", got)
	}

	bad := -1
	if _, err := svc.Update(ctx, s.ID, regimen.Edits{Dose: &bad}); !errors.Is(err, regimen.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
