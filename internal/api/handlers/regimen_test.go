package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	fhir "github.com/drfirst/go-regimen/internal/fhir/r5"
	"github.com/drfirst/go-regimen/internal/infrastructure/memory"
)

var base = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

// failingService fails every read with a storage error.
type failingService struct {
	RegimenService
}

func (failingService) Get(context.Context, string) (*regimen.Schedule, error) {
	return nil, context.DeadlineExceeded
}

func newRouter(t *testing.T) (http.Handler, *regimen.Service) {
	t.Helper()
	now := base.Add(7 * time.Hour)
	svc := regimen.NewService(memory.NewRegimenStore(), regimen.NewEngine(time.UTC, nil), nil,
		regimen.WithClock(func() time.Time { return now }))
	return mount(NewRegimenHandler(svc, time.UTC, nil)), svc
}

func mount(h *RegimenHandler) http.Handler {
	r := chi.NewRouter()
	r.Mount("/api/v1/regimens", h.Routes())
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
  "ownerId": "u1",
  "patientId": "p1",
  "medicineName": "Metformin",
  "medicineType": "Tablet",
  "dose": 1,
  "frequency": "Daily",
  "timesPerDay": 2,
  "startHour": 8,
  "startDateTime": "2026-03-10T00:00:00Z",
  "endDateTime": "2026-03-16T00:00:00Z"
}`

func create(t *testing.T, h http.Handler) ScheduleResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/regimens/", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var s ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return s
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) fhir.OperationOutcome {
	t.Helper()
	var o fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode outcome: %v (%s)", err, rec.Body)
	}
	if o.ResourceType != "OperationOutcome" || len(o.Issue) == 0 {
		t.Fatalf("unexpected outcome %s", rec.Body)
	}
	return o
}

func TestCreateAndGet(t *testing.T) {
	h, _ := newRouter(t)
	s := create(t, h)

	if len(s.Reminders) != 14 || s.InitialQuantity != 14 || s.QuantityLeft != 14 {
		t.Errorf("reminders %d, initial %d, left %d", len(s.Reminders), s.InitialQuantity, s.QuantityLeft)
	}
	if s.Frequency != "Daily" || s.TimesPerDay != 2 || s.IntakeInstructions != string(regimen.DefaultIntake) {
		t.Errorf("unexpected schedule %+v", s)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/regimens/"+s.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"Pending"`) {
		t.Errorf("reminders not rendered: %s", rec.Body)
	}
}

func TestCreateReportsEveryInvalidField(t *testing.T) {
	h, _ := newRouter(t)
	body := strings.Replace(createBody, `"dose": 1`, `"dose": 0`, 1)
	body = strings.Replace(body, `"startHour": 8`, `"startHour": 25`, 1)

	rec := do(t, h, http.MethodPost, "/api/v1/regimens/", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	o := decodeOutcome(t, rec)
	fields := map[string]bool{}
	for _, issue := range o.Issue {
		for _, e := range issue.Expression {
			fields[e] = true
		}
	}
	if !fields["dose"] || !fields["startHour"] {
		t.Errorf("issues = %+v", o.Issue)
	}
}

func TestDoseTransitions(t *testing.T) {
	h, _ := newRouter(t)
	s := create(t, h)
	path := "/api/v1/regimens/" + s.ID + "/doses/"

	rec := do(t, h, http.MethodPost, path+"0/taken", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("taken status = %d, body %s", rec.Code, rec.Body)
	}
	var dr DoseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &dr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dr.Dose.Status != regimen.StatusTaken || dr.Dose.TakenAt == nil {
		t.Errorf("dose = %+v", dr.Dose)
	}

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"already taken", path + "0/skip", http.StatusConflict},
		{"skip pending", path + "1/skip", http.StatusOK},
		{"out of range", path + "99/taken", http.StatusNotFound},
		{"bad index", path + "first/taken", http.StatusBadRequest},
		{"unknown schedule", "/api/v1/regimens/nope/doses/0/taken", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, "")
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
		})
	}
}

func TestUpdateRegeneratesReminders(t *testing.T) {
	h, _ := newRouter(t)
	s := create(t, h)

	rec := do(t, h, http.MethodPatch, "/api/v1/regimens/"+s.ID, `{"timesPerDay": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body)
	}
	var updated ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(updated.Reminders) != 21 || updated.Version != s.Version+1 {
		t.Errorf("reminders %d, version %d", len(updated.Reminders), updated.Version)
	}

	rec = do(t, h, http.MethodPatch, "/api/v1/regimens/"+s.ID, `{"frequency": "Hourly"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown frequency status = %d", rec.Code)
	}
}

func TestSweepEndpoint(t *testing.T) {
	h, svc := newRouter(t)
	s := create(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/regimens/"+s.ID+"/sweep", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status = %d", rec.Code)
	}
	var sr SweepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sr.Missed) != 0 || sr.Retired {
		t.Errorf("nothing has elapsed yet, got %+v", sr)
	}
	if _, err := svc.Get(context.Background(), s.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestImport(t *testing.T) {
	h, _ := newRouter(t)
	body := `{
  "ownerId": "u9",
  "medicationRequest": {
    "resourceType": "MedicationRequest",
    "status": "active",
    "intent": "order",
    "medication": {"concept": {"text": "Atorvastatin 20 mg"}},
    "subject": {"reference": "Patient/p7"},
    "dosageInstruction": [{
      "timing": {"repeat": {
        "boundsPeriod": {"start": "2026-03-10", "end": "2026-03-12"},
        "frequency": 1, "period": 1, "periodUnit": "d", "when": ["HS"]
      }},
      "doseAndRate": [{"doseQuantity": {"value": 2, "unit": "tablets"}}]
    }]
  }
}`
	rec := do(t, h, http.MethodPost, "/api/v1/regimens/import", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import status = %d, body %s", rec.Code, rec.Body)
	}
	var s ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.OwnerID != "u9" || s.PatientID != "p7" || s.StartHour != 22 {
		t.Errorf("owner %q patient %q hour %d", s.OwnerID, s.PatientID, s.StartHour)
	}
	if s.IntakeInstructions != string(regimen.IntakeAtBedtime) || s.MedicineType != string(regimen.MedicineTablet) {
		t.Errorf("intake %q type %q", s.IntakeInstructions, s.MedicineType)
	}
	if len(s.Reminders) != 3 || s.InitialQuantity != 6 {
		t.Errorf("reminders %d initial %d", len(s.Reminders), s.InitialQuantity)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/regimens/import", `{"ownerId":"u9"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing resource status = %d", rec.Code)
	}
}

func TestMalformedBodyAndInternalErrors(t *testing.T) {
	h, _ := newRouter(t)
	rec := do(t, h, http.MethodPost, "/api/v1/regimens/", `{"dose":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("content type = %q", ct)
	}

	failing := mount(NewRegimenHandler(failingService{}, time.UTC, nil))
	rec = do(t, failing, http.MethodGet, "/api/v1/regimens/x", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("storage error status = %d", rec.Code)
	}
	o := decodeOutcome(t, rec)
	if o.Issue[0].Diagnostics != "internal error" {
		t.Errorf("internal details leaked: %q", o.Issue[0].Diagnostics)
	}
}

func TestErrorOutcomeVersionConflict(t *testing.T) {
	status, o := errorOutcome(regimen.ErrVersionConflict)
	if status != http.StatusConflict || o.Issue[0].Code != fhir.IssueConflict {
		t.Errorf("status %d code %s", status, o.Issue[0].Code)
	}
}
