package regimen

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine runs the regimen operations over one schedule at a time. It holds no state
// besides the reference zone and never reads the wall clock.
type Engine struct {
	cal    Calendar
	logger *zap.Logger
}

// NewEngine creates an engine anchored to loc (UTC when nil)
func NewEngine(loc *time.Location, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cal: NewCalendar(loc), logger: logger}
}

// Calendar returns the engine's reference calendar
func (e *Engine) Calendar() Calendar { return e.cal }

// Edits holds the fields to change on a schedule. Nil fields are left as they are.
type Edits struct {
	MedicineName *string
	MedicineType *MedicineType
	DrugID       *string
	Dose         *int
	Frequency    *Frequency
	TimesPerDay  *int
	DaysOfWeek   []Weekday
	StartHour    *int
	StartAt      *time.Time
	EndAt        *time.Time
	Intake       *IntakeInstruction
	Notes        *string
}

func (ed Edits) touchesCadence() bool {
	return ed.Frequency != nil || ed.TimesPerDay != nil || ed.DaysOfWeek != nil
}

// apply merges the edits into d.
func (ed Edits) apply(d Definition) (Definition, error) {
	if ed.MedicineName != nil {
		d.MedicineName = *ed.MedicineName
	}
	if ed.MedicineType != nil {
		d.MedicineType = *ed.MedicineType
	}
	if ed.DrugID != nil {
		d.DrugID = *ed.DrugID
	}
	if ed.Dose != nil {
		d.Dose = *ed.Dose
	}
	if ed.StartHour != nil {
		d.StartHour = *ed.StartHour
	}
	if ed.StartAt != nil {
		d.StartAt = *ed.StartAt
	}
	if ed.EndAt != nil {
		d.EndAt = *ed.EndAt
	}
	if ed.Intake != nil {
		d.Intake = *ed.Intake
	}
	if ed.Notes != nil {
		d.Notes = *ed.Notes
	}
	if !ed.touchesCadence() {
		return d, nil
	}

	freq, tpd, days := CadenceFields(d.Cadence)
	if ed.Frequency != nil && *ed.Frequency != freq {
		freq = *ed.Frequency
		days = nil
		if freq == FrequencyDaily && tpd == 0 {
			tpd = 1
		}
	}
	if ed.TimesPerDay != nil {
		tpd = *ed.TimesPerDay
	}
	if ed.DaysOfWeek != nil {
		days = ed.DaysOfWeek
	}
	if freq != FrequencyDaily && freq != FrequencyWeekly {
		tpd = 0
	}
	c, err := NewCadence(freq, tpd, days)
	if err != nil {
		return d, err
	}
	d.Cadence = c
	return d, nil
}

// CreateSchedule validates the definition, generates its reminders, computes the ledger
// and runs a first sweep.
func (e *Engine) CreateSchedule(def Definition, now time.Time) (*Schedule, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	s := &Schedule{
		ID:         uuid.New().String(),
		Definition: def.normalized(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.cal.generate(s, now); err != nil {
		return nil, err
	}
	if err := e.cal.recompute(s); err != nil {
		return nil, err
	}
	s.IsActive = e.active(s, now)

	freq, tpd, days := CadenceFields(s.Cadence)
	e.emit(s, EventRegimenCreated, &RegimenCreatedData{
		RegimenID:       s.ID,
		MedicineName:    s.MedicineName,
		Frequency:       freq,
		TimesPerDay:     tpd,
		DaysOfWeek:      days,
		StartHour:       s.StartHour,
		StartDateTime:   s.StartAt,
		EndDateTime:     s.EndAt,
		Reminders:       len(s.Reminders),
		InitialQuantity: s.InitialQuantity,
	}, now)

	e.SweepMissedDoses(s, now)
	return s, nil
}

// ApplyEdits changes the schedule definition. Scheduling changes regenerate the reminders;
// any other change only recomputes the ledger. A sweep always follows. On error the
// schedule is left untouched.
func (e *Engine) ApplyEdits(s *Schedule, edits Edits, now time.Time) error {
	def, err := edits.apply(s.Definition)
	if err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}
	def = def.normalized()

	next := s.Clone()
	next.Definition = def
	rescheduled := schedulingChanged(s.Definition, def)
	var anomalies []*ConsistencyError
	if rescheduled {
		anomalies, err = e.cal.reconcile(next, s.Reminders, s.MissedDoses)
		if err != nil {
			return err
		}
		e.logAnomalies(next, anomalies)
	}
	if err := e.cal.recompute(next); err != nil {
		return err
	}
	if rescheduled {
		freq, tpd, days := CadenceFields(next.Cadence)
		e.emit(next, EventRegimenRescheduled, &RegimenRescheduledData{
			RegimenID:       next.ID,
			Frequency:       freq,
			TimesPerDay:     tpd,
			DaysOfWeek:      days,
			StartHour:       next.StartHour,
			StartDateTime:   next.StartAt,
			EndDateTime:     next.EndAt,
			Reminders:       len(next.Reminders),
			DroppedMissed:   countDropped(anomalies),
			InitialQuantity: next.InitialQuantity,
		}, now)
	}
	next.UpdatedAt = now
	*s = *next
	e.SweepMissedDoses(s, now)
	return nil
}

// MarkDoseTaken moves the dose at index from Pending to Taken.
func (e *Engine) MarkDoseTaken(s *Schedule, index int, now time.Time) (DoseEvent, error) {
	next := s.Clone()
	ev, err := next.markTaken(index, now)
	if err != nil {
		return DoseEvent{}, err
	}
	if err := e.cal.recompute(next); err != nil {
		return DoseEvent{}, err
	}
	next.UpdatedAt = now
	e.emitDose(next, EventDoseTaken, index, ev, now)
	*s = *next
	return ev, nil
}

// SkipDose moves the dose at index from Pending to Skipped.
func (e *Engine) SkipDose(s *Schedule, index int, now time.Time) (DoseEvent, error) {
	next := s.Clone()
	ev, err := next.skip(index)
	if err != nil {
		return DoseEvent{}, err
	}
	if err := e.cal.recompute(next); err != nil {
		return DoseEvent{}, err
	}
	next.UpdatedAt = now
	e.emitDose(next, EventDoseSkipped, index, ev, now)
	*s = *next
	return ev, nil
}

// SweepMissedDoses marks elapsed unfulfilled doses as Missed, recomputes the ledger and
// retires the schedule once its end date has passed.
func (e *Engine) SweepMissedDoses(s *Schedule, now time.Time) SweepResult {
	missed := e.cal.sweep(s, now)
	if err := e.cal.recompute(s); err != nil {
		e.logger.Warn("ledger recompute failed during sweep",
			zap.String("schedule_id", s.ID),
			zap.Error(err),
		)
	}
	for _, i := range missed {
		e.emitDose(s, EventDoseMissed, i, s.Reminders[i], now)
	}

	result := SweepResult{Missed: missed}
	if s.IsActive && !e.active(s, now) {
		s.IsActive = false
		result.Retired = true
		e.emit(s, EventRegimenRetired, &RegimenRetiredData{
			RegimenID:    s.ID,
			EndDateTime:  s.EndAt,
			QuantityLeft: s.QuantityLeft,
			Missed:       len(s.MissedDoses),
		}, now)
	} else if !s.IsActive && e.active(s, now) {
		s.IsActive = true
	}
	if len(missed) > 0 || result.Retired {
		s.UpdatedAt = now
	}
	return result
}

// active reports whether the end date has not fully elapsed.
func (e *Engine) active(s *Schedule, now time.Time) bool {
	return !e.cal.EndOfDay(s.EndAt).Before(now)
}

func (e *Engine) emitDose(s *Schedule, t EventType, index int, ev DoseEvent, now time.Time) {
	e.emit(s, t, &DoseData{
		RegimenID:     s.ID,
		ReminderIndex: index,
		ScheduledAt:   ev.At,
		Status:        ev.Status,
		QuantityLeft:  s.QuantityLeft,
	}, now)
}

func (e *Engine) emit(s *Schedule, t EventType, data any, now time.Time) {
	ev, err := NewEvent(s.ID, t, data, now)
	if err != nil {
		e.logger.Error("failed to build audit event",
			zap.String("schedule_id", s.ID),
			zap.String("event_type", string(t)),
			zap.Error(err),
		)
		return
	}
	s.record(ev.WithSubject(s.OwnerID, s.PatientID))
}

func (e *Engine) logAnomalies(s *Schedule, anomalies []*ConsistencyError) {
	for _, a := range anomalies {
		e.logger.Warn("missed dose record reconciled",
			zap.String("schedule_id", s.ID),
			zap.Int("reminder_index", a.Index),
			zap.String("reason", a.Reason),
		)
	}
}

func countDropped(anomalies []*ConsistencyError) int {
	n := 0
	for _, a := range anomalies {
		if a.Reason != reasonRecordHealed {
			n++
		}
	}
	return n
}
