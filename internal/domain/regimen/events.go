package regimen

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event
type EventType string

const (
	EventRegimenCreated     EventType = "RegimenCreated"
	EventRegimenRescheduled EventType = "RegimenRescheduled"
	EventDoseTaken          EventType = "DoseTaken"
	EventDoseSkipped        EventType = "DoseSkipped"
	EventDoseMissed         EventType = "DoseMissed"
	EventRegimenRetired     EventType = "RegimenRetired"
)

// AggregateType names the aggregate on every event
const AggregateType = "MedicationRegimen"

// Event is an audit entry produced by a schedule mutation
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	OwnerID       string          `json:"owner_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event stamped at the given instant
func NewEvent(aggregateID string, eventType EventType, data any, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// RegimenCreatedData contains the definition and first ledger snapshot
type RegimenCreatedData struct {
	RegimenID       string    `json:"regimen_id"`
	MedicineName    string    `json:"medicine_name"`
	Frequency       Frequency `json:"frequency"`
	TimesPerDay     int       `json:"times_per_day,omitempty"`
	DaysOfWeek      []Weekday `json:"days_of_week,omitempty"`
	StartHour       int       `json:"start_hour"`
	StartDateTime   time.Time `json:"start_date_time"`
	EndDateTime     time.Time `json:"end_date_time"`
	Reminders       int       `json:"reminders"`
	InitialQuantity int       `json:"initial_quantity"`
}

// RegimenRescheduledData records a regeneration after a scheduling edit
type RegimenRescheduledData struct {
	RegimenID       string    `json:"regimen_id"`
	Frequency       Frequency `json:"frequency"`
	TimesPerDay     int       `json:"times_per_day,omitempty"`
	DaysOfWeek      []Weekday `json:"days_of_week,omitempty"`
	StartHour       int       `json:"start_hour"`
	StartDateTime   time.Time `json:"start_date_time"`
	EndDateTime     time.Time `json:"end_date_time"`
	Reminders       int       `json:"reminders"`
	DroppedMissed   int       `json:"dropped_missed"`
	InitialQuantity int       `json:"initial_quantity"`
}

// DoseData identifies one dose event
type DoseData struct {
	RegimenID     string     `json:"regimen_id"`
	ReminderIndex int        `json:"reminder_index"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	Status        DoseStatus `json:"status"`
	QuantityLeft  int        `json:"quantity_left"`
}

// RegimenRetiredData records the end of a regimen
type RegimenRetiredData struct {
	RegimenID    string    `json:"regimen_id"`
	EndDateTime  time.Time `json:"end_date_time"`
	QuantityLeft int       `json:"quantity_left"`
	Missed       int       `json:"missed"`
}

// WithSubject sets the owner and patient references
func (e *Event) WithSubject(ownerID, patientID string) *Event {
	e.OwnerID = ownerID
	e.PatientID = patientID
	return e
}
