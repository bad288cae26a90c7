package regimen

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/observability/metrics"
)

// maxUpdateAttempts bounds the reload-and-reapply loop on version conflicts.
const maxUpdateAttempts = 3

// Service loads a schedule, runs one engine operation and saves the result.
type Service struct {
	store   Store
	engine  *Engine
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the wall clock
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics records operation counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new service
func NewService(store Store, engine *Engine, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		store:  store,
		engine: engine,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
		tracer: otel.Tracer("regimen-service"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Now returns the service clock's current time
func (svc *Service) Now() time.Time { return svc.clock() }

// Create builds and stores a new schedule
func (svc *Service) Create(ctx context.Context, def Definition) (*Schedule, error) {
	ctx, span := svc.tracer.Start(ctx, "regimen.create")
	defer span.End()

	s, err := svc.engine.CreateSchedule(def, svc.clock())
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("schedule.id", s.ID))

	changes := s.Changes()
	if err := svc.store.Create(ctx, s); err != nil {
		return nil, fail(span, err)
	}
	svc.observe(changes)

	svc.logger.Info("regimen created",
		zap.String("schedule_id", s.ID),
		zap.String("patient_id", s.PatientID),
		zap.Int("reminders", len(s.Reminders)),
		zap.Int("initial_quantity", s.InitialQuantity),
	)
	return s, nil
}

// Get loads a schedule
func (svc *Service) Get(ctx context.Context, id string) (*Schedule, error) {
	ctx, span := svc.tracer.Start(ctx, "regimen.get",
		trace.WithAttributes(attribute.String("schedule.id", id)))
	defer span.End()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	return s, nil
}

// Update applies edits to a schedule
func (svc *Service) Update(ctx context.Context, id string, edits Edits) (*Schedule, error) {
	return svc.mutate(ctx, "regimen.update", id, func(s *Schedule, now time.Time) (bool, error) {
		return true, svc.engine.ApplyEdits(s, edits, now)
	})
}

// MarkTaken marks the dose at index taken. The save-time sweep runs afterwards.
func (svc *Service) MarkTaken(ctx context.Context, id string, index int) (DoseEvent, error) {
	var ev DoseEvent
	_, err := svc.mutate(ctx, "regimen.mark_taken", id, func(s *Schedule, now time.Time) (bool, error) {
		var err error
		if ev, err = svc.engine.MarkDoseTaken(s, index, now); err != nil {
			return false, err
		}
		svc.engine.SweepMissedDoses(s, now)
		return true, nil
	})
	return ev, err
}

// Skip marks the dose at index skipped. The save-time sweep runs afterwards.
func (svc *Service) Skip(ctx context.Context, id string, index int) (DoseEvent, error) {
	var ev DoseEvent
	_, err := svc.mutate(ctx, "regimen.skip", id, func(s *Schedule, now time.Time) (bool, error) {
		var err error
		if ev, err = svc.engine.SkipDose(s, index, now); err != nil {
			return false, err
		}
		svc.engine.SweepMissedDoses(s, now)
		return true, nil
	})
	return ev, err
}

// Sweep runs the missed-dose sweep for one schedule at the current time
func (svc *Service) Sweep(ctx context.Context, id string) (SweepResult, error) {
	return svc.SweepAt(ctx, id, svc.clock())
}

// SweepAt runs the missed-dose sweep as of now. Nothing is written when the sweep
// changed nothing.
func (svc *Service) SweepAt(ctx context.Context, id string, now time.Time) (SweepResult, error) {
	var result SweepResult
	_, err := svc.mutateAt(ctx, "regimen.sweep", id, now, func(s *Schedule, now time.Time) (bool, error) {
		before := s.Clone()
		result = svc.engine.SweepMissedDoses(s, now)
		return len(s.Changes()) > len(before.Changes()) || sweepChanged(before, s), nil
	})
	return result, err
}

// sweepChanged reports whether a sweep touched any persisted state.
func sweepChanged(before, after *Schedule) bool {
	if before.IsActive != after.IsActive ||
		before.InitialQuantity != after.InitialQuantity ||
		before.QuantityLeft != after.QuantityLeft ||
		len(before.MissedDoses) != len(after.MissedDoses) ||
		len(before.Reminders) != len(after.Reminders) {
		return true
	}
	for i := range before.Reminders {
		if !before.Reminders[i].equal(after.Reminders[i]) {
			return true
		}
	}
	return false
}

// ListActive returns the ids of active schedules
func (svc *Service) ListActive(ctx context.Context) ([]string, error) {
	ctx, span := svc.tracer.Start(ctx, "regimen.list_active")
	defer span.End()

	ids, err := svc.store.ListActive(ctx)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("schedule.count", len(ids)))
	return ids, nil
}

type mutation func(s *Schedule, now time.Time) (changed bool, err error)

func (svc *Service) mutate(ctx context.Context, name, id string, op mutation) (*Schedule, error) {
	return svc.mutateAt(ctx, name, id, svc.clock(), op)
}

// mutateAt reloads and reapplies op when the store reports a version conflict.
func (svc *Service) mutateAt(ctx context.Context, name, id string, now time.Time, op mutation) (*Schedule, error) {
	ctx, span := svc.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("schedule.id", id)))
	defer span.End()

	for attempt := 1; ; attempt++ {
		s, err := svc.store.Get(ctx, id)
		if err != nil {
			return nil, fail(span, err)
		}
		changed, err := op(s, now)
		if err != nil {
			return nil, fail(span, err)
		}
		if !changed {
			return s, nil
		}

		changes := s.Changes()
		err = svc.store.Update(ctx, s)
		if err == nil {
			svc.observe(changes)
			span.SetAttributes(attribute.Int("regimen.attempts", attempt))
			return s, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return nil, fail(span, err)
		}
		if svc.metrics != nil {
			svc.metrics.VersionConflicts.Inc()
		}
		svc.logger.Debug("version conflict, retrying",
			zap.String("schedule_id", id),
			zap.Int("attempt", attempt),
		)
	}
}

// observe counts committed events.
func (svc *Service) observe(changes []*Event) {
	if svc.metrics == nil {
		return
	}
	for _, e := range changes {
		switch e.EventType {
		case EventRegimenCreated:
			svc.metrics.RegimensCreated.Inc()
		case EventRegimenRescheduled:
			svc.metrics.RegimensRescheduled.Inc()
		case EventDoseTaken:
			svc.metrics.DosesTaken.Inc()
		case EventDoseSkipped:
			svc.metrics.DosesSkipped.Inc()
		case EventDoseMissed:
			svc.metrics.DosesMissed.Inc()
		case EventRegimenRetired:
			svc.metrics.RegimensRetired.Inc()
		}
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
