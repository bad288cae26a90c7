package regimen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/infrastructure/postgres"
)

// Repository stores schedule snapshots in PostgreSQL. Reminders and missed-dose records
// live in JSONB columns; audit events go to the outbox in the same transaction.
type Repository struct {
	pool        *pgxpool.Pool
	eventsTopic string
	logger      *zap.Logger
	tracer      trace.Tracer
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new repository publishing audit events to eventsTopic
func NewRepository(pool *pgxpool.Pool, eventsTopic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		pool:        pool,
		eventsTopic: eventsTopic,
		logger:      logger,
		tracer:      otel.Tracer("regimen-repository"),
	}
}

const selectColumns = `
	id, version, owner_id, patient_id, drug_id, medicine_name, medicine_type, dose,
	frequency, times_per_day, days_of_week, start_hour, start_date_time, end_date_time,
	scheduled_from, intake_instructions, notes, reminders, missed_doses,
	initial_quantity, quantity_left, is_active, created_at, updated_at`

// Get loads a schedule by id
func (r *Repository) Get(ctx context.Context, id string) (*Schedule, error) {
	ctx, span := r.tracer.Start(ctx, "regimen_repository_get",
		trace.WithAttributes(attribute.String("schedule.id", id)))
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM regimens WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "regimen", ID: id}
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load regimen %s: %w", id, err)
	}
	return s, nil
}

// Create inserts a new schedule at version 1
func (r *Repository) Create(ctx context.Context, s *Schedule) error {
	ctx, span := r.tracer.Start(ctx, "regimen_repository_create",
		trace.WithAttributes(attribute.String("schedule.id", s.ID)))
	defer span.End()

	row, err := toRow(s)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO regimens (
			id, version, owner_id, patient_id, drug_id, medicine_name, medicine_type, dose,
			frequency, times_per_day, days_of_week, start_hour, start_date_time, end_date_time,
			scheduled_from, intake_instructions, notes, reminders, missed_doses,
			initial_quantity, quantity_left, is_active, created_at, updated_at
		) VALUES ($1, 1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23)
	`,
		s.ID, s.OwnerID, s.PatientID, s.DrugID, s.MedicineName, s.MedicineType, s.Dose,
		row.frequency, row.timesPerDay, row.days, s.StartHour, s.StartAt, s.EndAt,
		s.ScheduledFrom, s.Intake, s.Notes, row.reminders, row.missed,
		s.InitialQuantity, s.QuantityLeft, s.IsActive, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert regimen: %w", err)
	}

	if err := r.writeChanges(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.Version = 1
	s.ClearChanges()
	return nil
}

// Update saves the schedule if the stored version still equals s.Version
func (r *Repository) Update(ctx context.Context, s *Schedule) error {
	ctx, span := r.tracer.Start(ctx, "regimen_repository_update",
		trace.WithAttributes(
			attribute.String("schedule.id", s.ID),
			attribute.Int("schedule.version", s.Version),
		))
	defer span.End()

	row, err := toRow(s)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE regimens SET
			version = version + 1,
			drug_id = $3, medicine_name = $4, medicine_type = $5, dose = $6,
			frequency = $7, times_per_day = $8, days_of_week = $9, start_hour = $10,
			start_date_time = $11, end_date_time = $12, scheduled_from = $13,
			intake_instructions = $14, notes = $15, reminders = $16, missed_doses = $17,
			initial_quantity = $18, quantity_left = $19, is_active = $20, updated_at = $21
		WHERE id = $1 AND version = $2
	`,
		s.ID, s.Version,
		s.DrugID, s.MedicineName, s.MedicineType, s.Dose,
		row.frequency, row.timesPerDay, row.days, s.StartHour,
		s.StartAt, s.EndAt, s.ScheduledFrom,
		s.Intake, s.Notes, row.reminders, row.missed,
		s.InitialQuantity, s.QuantityLeft, s.IsActive, s.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update regimen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM regimens WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check regimen: %w", err)
		}
		if !exists {
			return &NotFoundError{Resource: "regimen", ID: s.ID}
		}
		return fmt.Errorf("regimen %s at version %d: %w", s.ID, s.Version, ErrVersionConflict)
	}

	if err := r.writeChanges(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.Version++
	s.ClearChanges()
	return nil
}

// ListActive returns the ids of every active schedule
func (r *Repository) ListActive(ctx context.Context) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "regimen_repository_list_active")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT id FROM regimens WHERE is_active ORDER BY created_at`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list active regimens: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan active regimens: %w", err)
	}
	return ids, nil
}

func (r *Repository) writeChanges(ctx context.Context, tx pgx.Tx, s *Schedule) error {
	for _, event := range s.Changes() {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.EventType, err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			Topic:         r.eventsTopic,
			Key:           s.PatientID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

type encodedRow struct {
	frequency   Frequency
	timesPerDay int
	days        []string
	reminders   []byte
	missed      []byte
}

func toRow(s *Schedule) (encodedRow, error) {
	freq, tpd, days := CadenceFields(s.Cadence)
	row := encodedRow{frequency: freq, timesPerDay: tpd, days: make([]string, len(days))}
	for i, d := range days {
		row.days[i] = string(d)
	}
	var err error
	if row.reminders, err = json.Marshal(nonNil(s.Reminders)); err != nil {
		return row, fmt.Errorf("marshal reminders: %w", err)
	}
	if row.missed, err = json.Marshal(nonNil(s.MissedDoses)); err != nil {
		return row, fmt.Errorf("marshal missed doses: %w", err)
	}
	return row, nil
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		s         Schedule
		freq      Frequency
		tpd       int
		days      []string
		reminders []byte
		missed    []byte
		scheduled *time.Time
	)
	err := row.Scan(
		&s.ID, &s.Version, &s.OwnerID, &s.PatientID, &s.DrugID, &s.MedicineName, &s.MedicineType, &s.Dose,
		&freq, &tpd, &days, &s.StartHour, &s.StartAt, &s.EndAt,
		&scheduled, &s.Intake, &s.Notes, &reminders, &missed,
		&s.InitialQuantity, &s.QuantityLeft, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if scheduled != nil {
		s.ScheduledFrom = *scheduled
	}

	weekdays := make([]Weekday, len(days))
	for i, d := range days {
		weekdays[i] = Weekday(d)
	}
	if s.Cadence, err = NewCadence(freq, tpd, weekdays); err != nil {
		return nil, fmt.Errorf("decode cadence: %w", err)
	}
	if err := json.Unmarshal(reminders, &s.Reminders); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	if err := json.Unmarshal(missed, &s.MissedDoses); err != nil {
		return nil, fmt.Errorf("decode missed doses: %w", err)
	}
	return &s, nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
