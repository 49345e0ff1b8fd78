// Package notification turns appointment events into inbox notifications for
// the participant who did not act.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthbridge/apptflow/internal/domain/appointment"
)

// Type tags a notification for the client.
type Type string

const (
	TypeAppointmentRequest    Type = "appointment_request"
	TypeAppointmentProposal   Type = "appointment_proposal"
	TypeAppointmentAccepted   Type = "appointment_accepted"
	TypeAppointmentConfirmed  Type = "appointment_confirmed"
	TypeAppointmentCancelled  Type = "appointment_cancelled"
	TypeConsultationCompleted Type = "consultation_completed"
	TypeFollowUpScheduled     Type = "follow_up_scheduled"
)

// ErrUnsupportedEvent is returned by Compose for events that produce no
// notification.
var ErrUnsupportedEvent = errors.New("event has no notification")

// ErrNotFound is returned when a notification does not exist for the user.
var ErrNotFound = errors.New("notification not found")

// Notification is one message in a user's inbox. EffectiveAt is when it
// becomes relevant: the event time, or the follow-up date for follow-ups.
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Type        Type      `json:"type"`
	RelatedID   string    `json:"related_id,omitempty"`
	SourceEvent string    `json:"-"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
	EffectiveAt time.Time `json:"effective_at"`
}

const (
	dayLayout   = "Jan 2, 2006"
	clockLayout = "15:04"
)

// Compose builds the notification for an appointment event. Times in the
// message are rendered in loc.
func Compose(e *appointment.Event, loc *time.Location) (*Notification, error) {
	if e.AggregateType != appointment.AggregateType {
		return nil, fmt.Errorf("%w: aggregate %q", ErrUnsupportedEvent, e.AggregateType)
	}
	if loc == nil {
		loc = time.UTC
	}
	when := func(t time.Time) string {
		t = t.In(loc)
		return t.Format(dayLayout) + " at " + t.Format(clockLayout)
	}

	n := &Notification{
		ID:          uuid.New().String(),
		RelatedID:   e.AggregateID,
		SourceEvent: e.ID,
		CreatedAt:   e.Timestamp,
		EffectiveAt: e.Timestamp,
	}

	switch e.EventType {
	case appointment.EventAppointmentRequested:
		var d appointment.RequestedData
		if err := e.Decode(&d); err != nil {
			return nil, err
		}
		n.UserID = e.DoctorID
		n.Type = TypeAppointmentRequest
		n.Title = "New Appointment Request"
		n.Message = fmt.Sprintf("A patient has requested an %s appointment on %s", d.Type, when(d.RequestedDate))

	case appointment.EventAppointmentProposed:
		var d appointment.ProposedData
		if err := e.Decode(&d); err != nil {
			return nil, err
		}
		n.UserID = e.PatientID
		n.Type = TypeAppointmentProposal
		n.Title = "Appointment Time Proposed"
		n.Message = fmt.Sprintf("Your doctor has proposed %s for your appointment", when(d.ProposedDate))

	case appointment.EventAppointmentAccepted:
		var d appointment.ConfirmedData
		if err := e.Decode(&d); err != nil {
			return nil, err
		}
		n.UserID = e.PatientID
		n.Type = TypeAppointmentAccepted
		n.Title = "Appointment Accepted"
		n.Message = fmt.Sprintf("Your doctor has accepted your appointment on %s", when(d.ConfirmedDate))

	case appointment.EventAppointmentConfirmed:
		var d appointment.ConfirmedData
		if err := e.Decode(&d); err != nil {
			return nil, err
		}
		n.UserID = e.DoctorID
		n.Type = TypeAppointmentConfirmed
		n.Title = "Appointment Confirmed"
		n.Message = fmt.Sprintf("The patient has confirmed the appointment on %s", when(d.ConfirmedDate))

	case appointment.EventAppointmentCancelled:
		n.UserID = e.Counterparty()
		n.Type = TypeAppointmentCancelled
		n.Title = "Appointment Cancelled"
		who := "The patient"
		switch {
		case e.ActorID == e.DoctorID:
			who = "Your doctor"
		case e.ActorID != e.PatientID:
			who = "The clinic"
		}
		n.Message = who + " has cancelled the appointment"

	case appointment.EventAppointmentCompleted:
		var d appointment.CompletedData
		if err := e.Decode(&d); err != nil {
			return nil, err
		}
		n.UserID = e.PatientID
		n.Type = TypeConsultationCompleted
		n.Title = "Consultation Completed"
		n.Message = "Your consultation notes are ready"
		if d.FollowUp && d.FollowUpDate != nil {
			n.Message += fmt.Sprintf(". A follow-up is planned for %s", when(*d.FollowUpDate))
		}

	case appointment.EventFollowUpScheduled:
		var d appointment.FollowUpData
		if err := e.Decode(&d); err != nil {
			return nil, err
		}
		n.UserID = e.PatientID
		n.Type = TypeFollowUpScheduled
		n.Title = "Follow-up Appointment Scheduled"
		n.Message = fmt.Sprintf("Your doctor has requested a follow-up appointment on %s", when(d.FollowUpDate))
		n.EffectiveAt = d.FollowUpDate

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, e.EventType)
	}

	if n.UserID == "" {
		return nil, fmt.Errorf("event %s has no recipient", e.ID)
	}
	return n, nil
}
