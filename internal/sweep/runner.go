// Package sweep runs the missed-dose sweep across every active regimen.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

// Sweeper is the part of regimen.Service the runner needs
type Sweeper interface {
	ListActive(ctx context.Context) ([]string, error)
	SweepAt(ctx context.Context, id string, now time.Time) (regimen.SweepResult, error)
}

var _ Sweeper = (*regimen.Service)(nil)

// Report summarizes one run
type Report struct {
	At        time.Time
	Schedules int
	Missed    int
	Retired   int
	Failed    int
	Duration  time.Duration
}

type job struct {
	at     time.Time
	result regimen.SweepResult
}

// Runner fans the sweep out over a worker pool. A failing schedule is logged and counted;
// the others still run.
type Runner struct {
	svc     Sweeper
	pool    *workerpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRunner(svc Sweeper, cfg workerpool.Config, logger *zap.Logger, m *metrics.Metrics) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{svc: svc, logger: logger, metrics: m}
	pool, err := workerpool.New(cfg, r.sweepOne, logger.Named("sweep-pool"))
	if err != nil {
		return nil, fmt.Errorf("create sweep pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Start launches the pool workers
func (r *Runner) Start() { r.pool.Start() }

// Stop drains the pool
func (r *Runner) Stop() error { return r.pool.Stop() }

// Stats reports the worker pool counters
func (r *Runner) Stats() workerpool.Stats { return r.pool.Stats() }

// Healthy is false while the sweep queue is close to full.
func (r *Runner) Healthy() bool { return r.pool.IsHealthy() }

// RunOnce sweeps every active schedule as of now. It fails only when the schedules
// cannot be listed.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	report := Report{At: now}

	ids, err := r.svc.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("list active regimens: %w", err)
	}
	report.Schedules = len(ids)

	tasks := make([]*workerpool.Task, len(ids))
	for i, id := range ids {
		tasks[i] = &workerpool.Task{ID: id, Payload: &job{at: now}, Context: ctx}
	}
	for i, res := range r.pool.Map(ctx, tasks) {
		if !res.Success {
			report.Failed++
			r.logger.Error("regimen sweep failed",
				zap.String("schedule_id", res.TaskID),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Error))
			continue
		}
		j := tasks[i].Payload.(*job)
		report.Missed += len(j.result.Missed)
		if j.result.Retired {
			report.Retired++
		}
	}
	report.Duration = time.Since(start)

	if r.metrics != nil {
		r.metrics.SweepRuns.Inc()
		r.metrics.SweepFailures.Add(float64(report.Failed))
		r.metrics.SweepDuration.Observe(report.Duration.Seconds())
		r.metrics.ActiveRegimens.Set(float64(report.Schedules - report.Retired))
	}
	r.logger.Info("sweep finished",
		zap.Time("as_of", now),
		zap.Int("schedules", report.Schedules),
		zap.Int("missed", report.Missed),
		zap.Int("retired", report.Retired),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (r *Runner) sweepOne(ctx context.Context, task *workerpool.Task) error {
	j := task.Payload.(*job)
	res, err := r.svc.SweepAt(ctx, task.ID, j.at)
	if err != nil {
		if errors.Is(err, regimen.ErrNotFound) || errors.Is(err, regimen.ErrValidation) {
			return workerpool.Permanent(err)
		}
		return err
	}
	j.result = res
	return nil
}
