package appointment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AggregateType tags appointment events in the history and outbox tables.
const AggregateType = "Appointment"

// EventType represents the type of domain event
type EventType string

const (
	EventAppointmentRequested EventType = "AppointmentRequested"
	EventAppointmentProposed  EventType = "AppointmentProposed"
	EventAppointmentAccepted  EventType = "AppointmentAccepted"
	EventAppointmentConfirmed EventType = "AppointmentConfirmed"
	EventAppointmentCancelled EventType = "AppointmentCancelled"
	EventAppointmentCompleted EventType = "AppointmentCompleted"
	EventFollowUpScheduled    EventType = "FollowUpScheduled"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id"`
	ActorRole     Role            `json:"actor_role"`
	PatientID     string          `json:"patient_id"`
	DoctorID      string          `json:"doctor_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithParties sets the actor and both participants.
func (e *Event) WithParties(actor Actor, patientID, doctorID string) *Event {
	e.ActorID = actor.ID
	e.ActorRole = actor.Role
	e.PatientID = patientID
	e.DoctorID = doctorID
	return e
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.EventType, err)
	}
	return nil
}

// Counterparty returns the participant who did not cause the event.
func (e *Event) Counterparty() string {
	if e.ActorID == e.PatientID {
		return e.DoctorID
	}
	return e.PatientID
}

// RequestedData is the payload of AppointmentRequested.
type RequestedData struct {
	RequestedDate time.Time `json:"requested_date"`
	Type          Type      `json:"appointment_type"`
	PatientNotes  string    `json:"patient_notes,omitempty"`
}

// ProposedData is the payload of AppointmentProposed.
type ProposedData struct {
	ProposedDate time.Time `json:"proposed_date"`
	Location     string    `json:"location,omitempty"`
	DoctorNotes  string    `json:"doctor_notes,omitempty"`
}

// ConfirmedData is the payload of AppointmentAccepted and AppointmentConfirmed.
type ConfirmedData struct {
	ConfirmedDate time.Time `json:"confirmed_date"`
}

// CancelledData is the payload of AppointmentCancelled.
type CancelledData struct {
	PreviousStatus Status `json:"previous_status"`
}

// CompletedData is the payload of AppointmentCompleted.
type CompletedData struct {
	ConsultationID string     `json:"consultation_id"`
	FollowUp       bool       `json:"follow_up"`
	FollowUpDate   *time.Time `json:"follow_up_date,omitempty"`
}

// FollowUpData is the payload of FollowUpScheduled.
type FollowUpData struct {
	SourceAppointmentID string    `json:"source_appointment_id"`
	FollowUpDate        time.Time `json:"follow_up_date"`
}
