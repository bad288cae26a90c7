// Package handlers provides the HTTP handlers for the regimen API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/api/middleware"
	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/fhir/mapper"
	fhir "github.com/drfirst/go-regimen/internal/fhir/r5"
)

const maxBodyBytes = 1 << 20

// RegimenService is the application service behind the handlers
type RegimenService interface {
	Create(ctx context.Context, def regimen.Definition) (*regimen.Schedule, error)
	Get(ctx context.Context, id string) (*regimen.Schedule, error)
	Update(ctx context.Context, id string, edits regimen.Edits) (*regimen.Schedule, error)
	MarkTaken(ctx context.Context, id string, index int) (regimen.DoseEvent, error)
	Skip(ctx context.Context, id string, index int) (regimen.DoseEvent, error)
	Sweep(ctx context.Context, id string) (regimen.SweepResult, error)
}

var _ RegimenService = (*regimen.Service)(nil)

// RegimenHandler handles regimen endpoints
type RegimenHandler struct {
	svc    RegimenService
	mapper *mapper.MedicationRequestToRegimen
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRegimenHandler creates a new handler. Imported FHIR dates without a time are read in loc.
func NewRegimenHandler(svc RegimenService, loc *time.Location, logger *zap.Logger) *RegimenHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegimenHandler{
		svc:    svc,
		mapper: mapper.New(loc),
		logger: logger,
		tracer: otel.Tracer("regimen-handler"),
	}
}

// Routes returns the handler routes
func (h *RegimenHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/import", h.Import)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/doses/{index}/taken", h.MarkTaken)
	r.Post("/{id}/doses/{index}/skip", h.Skip)
	r.Post("/{id}/sweep", h.Sweep)
	return r
}

// CreateRequest is the request body for creating a regimen
type CreateRequest struct {
	OwnerID            string    `json:"ownerId"`
	PatientID          string    `json:"patientId"`
	DrugID             string    `json:"drugId"`
	MedicineName       string    `json:"medicineName"`
	MedicineType       string    `json:"medicineType"`
	Dose               int       `json:"dose"`
	Frequency          string    `json:"frequency"`
	TimesPerDay        int       `json:"timesPerDay"`
	DaysOfWeek         []string  `json:"daysOfWeek"`
	StartHour          int       `json:"startHour"`
	StartDateTime      time.Time `json:"startDateTime"`
	EndDateTime        time.Time `json:"endDateTime"`
	IntakeInstructions string    `json:"intakeInstructions"`
	Notes              string    `json:"notes"`
}

func (req CreateRequest) definition(clientID string) (regimen.Definition, error) {
	cadence, err := regimen.NewCadence(regimen.Frequency(req.Frequency), req.TimesPerDay, toWeekdays(req.DaysOfWeek))
	if err != nil {
		return regimen.Definition{}, err
	}
	owner := req.OwnerID
	if owner == "" {
		owner = clientID
	}
	return regimen.Definition{
		OwnerID:      owner,
		PatientID:    req.PatientID,
		DrugID:       req.DrugID,
		MedicineName: req.MedicineName,
		MedicineType: regimen.MedicineType(req.MedicineType),
		Dose:         req.Dose,
		Cadence:      cadence,
		StartHour:    req.StartHour,
		StartAt:      req.StartDateTime,
		EndAt:        req.EndDateTime,
		Intake:       regimen.IntakeInstruction(req.IntakeInstructions),
		Notes:        req.Notes,
	}, nil
}

// UpdateRequest is the PATCH body. Absent fields are left unchanged.
type UpdateRequest struct {
	DrugID             *string    `json:"drugId"`
	MedicineName       *string    `json:"medicineName"`
	MedicineType       *string    `json:"medicineType"`
	Dose               *int       `json:"dose"`
	Frequency          *string    `json:"frequency"`
	TimesPerDay        *int       `json:"timesPerDay"`
	DaysOfWeek         []string   `json:"daysOfWeek"`
	StartHour          *int       `json:"startHour"`
	StartDateTime      *time.Time `json:"startDateTime"`
	EndDateTime        *time.Time `json:"endDateTime"`
	IntakeInstructions *string    `json:"intakeInstructions"`
	Notes              *string    `json:"notes"`
}

func (req UpdateRequest) edits() regimen.Edits {
	ed := regimen.Edits{
		MedicineName: req.MedicineName,
		DrugID:       req.DrugID,
		Dose:         req.Dose,
		TimesPerDay:  req.TimesPerDay,
		DaysOfWeek:   toWeekdays(req.DaysOfWeek),
		StartHour:    req.StartHour,
		StartAt:      req.StartDateTime,
		EndAt:        req.EndDateTime,
		Notes:        req.Notes,
	}
	if req.MedicineType != nil {
		t := regimen.MedicineType(*req.MedicineType)
		ed.MedicineType = &t
	}
	if req.Frequency != nil {
		f := regimen.Frequency(*req.Frequency)
		ed.Frequency = &f
	}
	if req.IntakeInstructions != nil {
		i := regimen.IntakeInstruction(*req.IntakeInstructions)
		ed.Intake = &i
	}
	return ed
}

func toWeekdays(days []string) []regimen.Weekday {
	if days == nil {
		return nil
	}
	out := make([]regimen.Weekday, len(days))
	for i, d := range days {
		out[i] = regimen.Weekday(d)
	}
	return out
}

// ImportRequest wraps a FHIR MedicationRequest
type ImportRequest struct {
	OwnerID           string                  `json:"ownerId"`
	MedicationRequest *fhir.MedicationRequest `json:"medicationRequest"`
}

// ScheduleResponse is the JSON form of a schedule
type ScheduleResponse struct {
	ID                 string               `json:"id"`
	Version            int                  `json:"version"`
	OwnerID            string               `json:"ownerId"`
	PatientID          string               `json:"patientId"`
	DrugID             string               `json:"drugId,omitempty"`
	MedicineName       string               `json:"medicineName"`
	MedicineType       string               `json:"medicineType"`
	Dose               int                  `json:"dose"`
	Frequency          string               `json:"frequency"`
	TimesPerDay        int                  `json:"timesPerDay,omitempty"`
	DaysOfWeek         []regimen.Weekday    `json:"daysOfWeek,omitempty"`
	StartHour          int                  `json:"startHour"`
	StartDateTime      time.Time            `json:"startDateTime"`
	EndDateTime        time.Time            `json:"endDateTime"`
	IntakeInstructions string               `json:"intakeInstructions"`
	Notes              string               `json:"notes,omitempty"`
	ScheduledFrom      time.Time            `json:"scheduledFrom"`
	Reminders          []regimen.DoseEvent  `json:"reminders"`
	MissedDoses        []regimen.MissedDose `json:"missedDoses"`
	InitialQuantity    int                  `json:"initialQuantity"`
	QuantityLeft       int                  `json:"quantityLeft"`
	IsActive           bool                 `json:"isActive"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
}

func toResponse(s *regimen.Schedule) ScheduleResponse {
	freq, tpd, days := regimen.CadenceFields(s.Cadence)
	resp := ScheduleResponse{
		ID:                 s.ID,
		Version:            s.Version,
		OwnerID:            s.OwnerID,
		PatientID:          s.PatientID,
		DrugID:             s.DrugID,
		MedicineName:       s.MedicineName,
		MedicineType:       string(s.MedicineType),
		Dose:               s.Dose,
		Frequency:          string(freq),
		TimesPerDay:        tpd,
		DaysOfWeek:         days,
		StartHour:          s.StartHour,
		StartDateTime:      s.StartAt,
		EndDateTime:        s.EndAt,
		IntakeInstructions: string(s.Intake),
		Notes:              s.Notes,
		ScheduledFrom:      s.ScheduledFrom,
		Reminders:          s.Reminders,
		MissedDoses:        s.MissedDoses,
		InitialQuantity:    s.InitialQuantity,
		QuantityLeft:       s.QuantityLeft,
		IsActive:           s.IsActive,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	if resp.Reminders == nil {
		resp.Reminders = []regimen.DoseEvent{}
	}
	if resp.MissedDoses == nil {
		resp.MissedDoses = []regimen.MissedDose{}
	}
	return resp
}

// DoseResponse is returned by the dose transitions
type DoseResponse struct {
	ScheduleID string            `json:"scheduleId"`
	Index      int               `json:"index"`
	Dose       regimen.DoseEvent `json:"dose"`
}

// SweepResponse is returned by POST /{id}/sweep
type SweepResponse struct {
	ScheduleID string `json:"scheduleId"`
	Missed     []int  `json:"missed"`
	Retired    bool   `json:"retired"`
}

// Create handles POST /regimens
func (h *RegimenHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_regimen")
	defer span.End()

	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	def, err := req.definition(middleware.GetClientID(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.create(w, r.WithContext(ctx), def)
}

// Import handles POST /regimens/import
func (h *RegimenHandler) Import(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "import_regimen")
	defer span.End()

	var req ImportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.MedicationRequest == nil {
		h.outcome(w, http.StatusBadRequest, fhir.NewErrorOutcome(fhir.IssueRequired, "medicationRequest is required"))
		return
	}
	owner := req.OwnerID
	if owner == "" {
		owner = middleware.GetClientID(ctx)
	}
	def, err := h.mapper.ToDefinition(req.MedicationRequest, owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("fhir.medication_request", req.MedicationRequest.ID))
	h.create(w, r.WithContext(ctx), def)
}

func (h *RegimenHandler) create(w http.ResponseWriter, r *http.Request, def regimen.Definition) {
	s, err := h.svc.Create(r.Context(), def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("regimen created",
		zap.String("schedule_id", s.ID),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Int("reminders", len(s.Reminders)),
	)
	w.Header().Set("Location", "/api/v1/regimens/"+s.ID)
	h.writeJSON(w, http.StatusCreated, toResponse(s))
}

// Get handles GET /regimens/{id}
func (h *RegimenHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(s))
}

// Update handles PATCH /regimens/{id}
func (h *RegimenHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_regimen")
	defer span.End()

	var req UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.svc.Update(ctx, chi.URLParam(r, "id"), req.edits())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(s))
}

// MarkTaken handles POST /regimens/{id}/doses/{index}/taken
func (h *RegimenHandler) MarkTaken(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.MarkTaken)
}

// Skip handles POST /regimens/{id}/doses/{index}/skip
func (h *RegimenHandler) Skip(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Skip)
}

func (h *RegimenHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, int) (regimen.DoseEvent, error)) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.outcome(w, http.StatusBadRequest, fhir.NewErrorOutcome(fhir.IssueInvalid, "dose index must be an integer"))
		return
	}
	ev, err := op(r.Context(), id, index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DoseResponse{ScheduleID: id, Index: index, Dose: ev})
}

// Sweep handles POST /regimens/{id}/sweep
func (h *RegimenHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.svc.Sweep(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	missed := res.Missed
	if missed == nil {
		missed = []int{}
	}
	h.writeJSON(w, http.StatusOK, SweepResponse{ScheduleID: id, Missed: missed, Retired: res.Retired})
}

func (h *RegimenHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.outcome(w, http.StatusBadRequest, fhir.NewErrorOutcome(fhir.IssueInvalid, "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// writeError maps domain errors to a status and an OperationOutcome.
func (h *RegimenHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, outcome := errorOutcome(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	h.outcome(w, status, outcome)
}

func errorOutcome(err error) (int, *fhir.OperationOutcome) {
	switch {
	case errors.Is(err, regimen.ErrValidation):
		return http.StatusBadRequest, validationOutcome(err)
	case errors.Is(err, regimen.ErrNotFound):
		return http.StatusNotFound, fhir.NewErrorOutcome(fhir.IssueNotFound, err.Error())
	case errors.Is(err, regimen.ErrInvalidTransition):
		return http.StatusConflict, fhir.NewErrorOutcome(fhir.IssueBusiness, err.Error())
	case errors.Is(err, regimen.ErrVersionConflict):
		return http.StatusConflict, fhir.NewErrorOutcome(fhir.IssueConflict, err.Error())
	default:
		return http.StatusInternalServerError, fhir.NewErrorOutcome(fhir.IssueException, "internal error")
	}
}

// validationOutcome reports one issue per field problem in a joined error.
func validationOutcome(err error) *fhir.OperationOutcome {
	var issues []fhir.OperationOutcomeIssue
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		issue := fhir.OperationOutcomeIssue{Severity: "error", Code: fhir.IssueInvalid, Diagnostics: e.Error()}
		var ve *regimen.ValidationError
		var me *mapper.MapError
		switch {
		case errors.As(e, &ve):
			issue.Expression = []string{ve.Field}
		case errors.As(e, &me):
			issue.Expression = []string{me.Field}
		}
		issues = append(issues, issue)
	}
	walk(err)
	return fhir.NewOperationOutcome(issues...)
}

func (h *RegimenHandler) outcome(w http.ResponseWriter, status int, o *fhir.OperationOutcome) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(o); err != nil {
		h.logger.Debug("write outcome", zap.Error(err))
	}
}

func (h *RegimenHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}
