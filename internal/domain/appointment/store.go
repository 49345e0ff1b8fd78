package appointment

import (
	"context"
	"time"
)

// ListFilter scopes appointment queries. An empty PatientID and DoctorID
// means every appointment.
type ListFilter struct {
	PatientID string
	DoctorID  string
	Statuses  []Status
	Limit     int
	Offset    int
}

// ConsultationFilter scopes consultation queries.
type ConsultationFilter struct {
	PatientID string
	DoctorID  string
	Limit     int
	Offset    int
}

// Store persists appointments and consultations. Every write also records the
// aggregate's pending events in the same transaction.
type Store interface {
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id string) (*Appointment, error)
	// Save applies the aggregate's pending changes if the stored version is
	// still the one it was loaded at, else returns ErrStaleState.
	Save(ctx context.Context, a *Appointment) error
	// Complete inserts the consultation and saves the completed appointment
	// atomically.
	Complete(ctx context.Context, a *Appointment, c *Consultation) error
	List(ctx context.Context, f ListFilter) ([]*Appointment, int, error)
	CountByStatus(ctx context.Context, f ListFilter) (map[Status]int, error)
	Events(ctx context.Context, appointmentID string) ([]*Event, error)
	Consultation(ctx context.Context, appointmentID string) (*Consultation, error)
	ListConsultations(ctx context.Context, f ConsultationFilter) ([]*Consultation, int, error)
	UpcomingFollowUps(ctx context.Context, f ConsultationFilter, from time.Time) ([]*Consultation, error)
	UpdateCallInfo(ctx context.Context, id string, call CallInfo) error
}

// ProfileChecker reports which required patient profile fields are missing.
type ProfileChecker interface {
	MissingPatientFields(ctx context.Context, patientID string) ([]string, error)
}

// Change is the advisory message pushed to viewers after a write. Receivers
// refetch; the message carries no authoritative state.
type Change struct {
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	DoctorID      string    `json:"doctor_id"`
	Status        Status    `json:"status"`
	EventType     EventType `json:"event_type,omitempty"`
	Version       int       `json:"version"`
	At            time.Time `json:"at"`
}

// ChangeFeed receives a Change after every committed write.
type ChangeFeed interface {
	AppointmentChanged(ctx context.Context, change Change) error
}

// Observer receives workflow counters.
type Observer interface {
	TransitionApplied(from, to string)
	TransitionRejected(reason string)
	ConsultationRecorded(followUp bool)
	FollowUpFailed()
}

type nopObserver struct{}

func (nopObserver) TransitionApplied(string, string) {}
func (nopObserver) TransitionRejected(string)        {}
func (nopObserver) ConsultationRecorded(bool)        {}
func (nopObserver) FollowUpFailed()                  {}
