package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/infrastructure/memory"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

var base = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

// ghostSweeper lists one id the store does not know.
type ghostSweeper struct {
	*regimen.Service
}

func (g ghostSweeper) ListActive(ctx context.Context) ([]string, error) {
	ids, err := g.Service.ListActive(ctx)
	return append(ids, "ghost"), err
}

func setup(t *testing.T) (*Runner, *regimen.Service, *metrics.Metrics) {
	t.Helper()
	created := base.Add(7 * time.Hour)
	svc := regimen.NewService(memory.NewRegimenStore(), regimen.NewEngine(time.UTC, nil), nil,
		regimen.WithClock(func() time.Time { return created }))

	for _, patient := range []string{"p1", "p2"} {
		_, err := svc.Create(context.Background(), regimen.Definition{
			OwnerID:      "u1",
			PatientID:    patient,
			MedicineName: "Lisinopril",
			Dose:         1,
			Cadence:      regimen.DailyCadence{TimesPerDay: 2},
			StartHour:    8,
			StartAt:      base,
			EndAt:        base.AddDate(0, 0, 6),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	m := metrics.New(prometheus.NewRegistry())
	r, err := NewRunner(ghostSweeper{svc}, workerpool.Config{Workers: 2, MaxRetries: 1, RetryDelay: time.Millisecond}, nil, m)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	r.Start()
	t.Cleanup(func() { _ = r.Stop() })
	return r, svc, m
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	r, _, m := setup(t)
	ctx := context.Background()

	report, err := r.RunOnce(ctx, base.AddDate(0, 0, 2).Add(time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Schedules != 3 || report.Failed != 1 || report.Missed != 8 {
		t.Errorf("report = %+v", report)
	}
	if got := testutil.ToFloat64(m.SweepFailures); got != 1 {
		t.Errorf("sweep failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SweepRuns); got != 1 {
		t.Errorf("sweep runs = %v, want 1", got)
	}
	if st := r.Stats(); st.TasksCompleted != 2 || st.TasksFailed != 1 || !r.Healthy() {
		t.Errorf("pool stats = %+v, healthy %v", st, r.Healthy())
	}

	again, err := r.RunOnce(ctx, base.AddDate(0, 0, 2).Add(2*time.Hour))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Missed != 0 {
		t.Errorf("second run marked %d more doses", again.Missed)
	}
}

func TestRunOnceRetiresFinishedRegimens(t *testing.T) {
	r, svc, _ := setup(t)
	ctx := context.Background()

	report, err := r.RunOnce(ctx, base.AddDate(0, 0, 7).Add(time.Minute))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Retired != 2 || report.Missed != 28 {
		t.Errorf("report = %+v", report)
	}

	ids, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no active regimens, got %v", ids)
	}
}

func TestDriverRejectsBadSpec(t *testing.T) {
	r, _, _ := setup(t)
	d := NewDriver(r, "not a cron spec", time.UTC, time.Minute, nil)
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected an error for an invalid spec")
	}
}

func TestDriverRunUsesClock(t *testing.T) {
	r, svc, _ := setup(t)
	d := NewDriver(r, "1 0 * * *", time.UTC, time.Minute, nil)
	d.clock = func() time.Time { return base.AddDate(0, 0, 1).Add(time.Minute) }

	d.run(context.Background())

	ids, _ := svc.ListActive(context.Background())
	for _, id := range ids {
		s, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(s.MissedDoses) != 2 {
			t.Errorf("schedule %s has %d missed doses, want 2", id, len(s.MissedDoses))
		}
	}
}
