package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Driver triggers the runner on a cron schedule in the reference zone.
type Driver struct {
	cron    *cron.Cron
	runner  *Runner
	spec    string
	timeout time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

func NewDriver(runner *Runner, spec string, loc *time.Location, timeout time.Duration, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Named("cron")}
	return &Driver{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		spec:    spec,
		timeout: timeout,
		clock:   time.Now,
		logger:  logger,
	}
}

// Start registers the sweep and blocks until ctx is done.
func (d *Driver) Start(ctx context.Context) error {
	if _, err := d.cron.AddFunc(d.spec, func() { d.run(ctx) }); err != nil {
		return fmt.Errorf("add sweep job %q: %w", d.spec, err)
	}
	d.cron.Start()
	d.logger.Info("sweep scheduler started", zap.String("spec", d.spec))

	<-ctx.Done()
	return nil
}

// Stop waits for a running sweep to finish
func (d *Driver) Stop() {
	<-d.cron.Stop().Done()
	d.logger.Info("sweep scheduler stopped")
}

func (d *Driver) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.runner.RunOnce(ctx, d.clock()); err != nil {
		d.logger.Error("sweep run failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
