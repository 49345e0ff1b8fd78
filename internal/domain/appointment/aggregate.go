package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallInfo is video-call bookkeeping owned by the call service. The
// negotiation workflow carries it but never reads it.
type CallInfo struct {
	SessionID *string    `json:"call_session_id,omitempty"`
	Status    *string    `json:"call_status,omitempty"`
	StartedAt *time.Time `json:"call_started_at,omitempty"`
	EndedAt   *time.Time `json:"call_ended_at,omitempty"`
}

// Request holds what a patient supplies when booking.
type Request struct {
	DoctorID      string
	Type          Type
	RequestedDate time.Time
	PatientNotes  string
}

// Appointment represents the appointment aggregate root
type Appointment struct {
	id            string
	version       int
	patientID     string
	doctorID      string
	kind          Type
	requestedDate time.Time
	patientNotes  string
	state         State
	followUpOf    string
	call          CallInfo
	createdAt     time.Time
	updatedAt     time.Time
	changes       []*Event
}

// NewAppointment books a pending appointment for the acting patient.
func NewAppointment(actor Actor, req Request) (*Appointment, error) {
	if !CanTransition(actor.Role, StatusNone, StatusPending) {
		return nil, &TransitionError{Role: actor.Role, From: StatusNone, To: StatusPending, Err: ErrForbidden}
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		return nil, invalid("doctor_id", "please select a doctor")
	}
	if req.DoctorID == actor.ID {
		return nil, invalid("doctor_id", "cannot book an appointment with yourself")
	}
	if !req.Type.Valid() {
		return nil, invalid("appointment_type", "must be online or offline")
	}
	if req.RequestedDate.IsZero() {
		return nil, invalid("requested_date", "please select both date and time")
	}

	now := time.Now().UTC()
	a := &Appointment{
		id:            uuid.New().String(),
		patientID:     actor.ID,
		doctorID:      req.DoctorID,
		kind:          req.Type,
		requestedDate: req.RequestedDate.UTC(),
		patientNotes:  strings.TrimSpace(req.PatientNotes),
		state:         Pending{},
		createdAt:     now,
		updatedAt:     now,
	}
	data := &RequestedData{
		RequestedDate: a.requestedDate,
		Type:          a.kind,
		PatientNotes:  a.patientNotes,
	}
	if err := a.raise(actor, EventAppointmentRequested, data, Pending{}); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFollowUp spawns a pending appointment for the same patient and doctor as
// a completed visit, requested at the follow-up date. It is created on the
// doctor's behalf, so it bypasses the patient-only booking rule.
func NewFollowUp(source *Appointment, actor Actor, date time.Time) (*Appointment, error) {
	if source.Status() != StatusCompleted {
		return nil, fmt.Errorf("follow-up of %s appointment %s: %w", source.Status(), source.id, ErrInvalidTransition)
	}
	if actor.Role != RoleDoctor || actor.ID != source.doctorID {
		return nil, &TransitionError{Role: actor.Role, From: StatusNone, To: StatusPending, Err: ErrForbidden}
	}
	if date.IsZero() {
		return nil, invalid("follow_up_date", "please select both date and time")
	}

	now := time.Now().UTC()
	a := &Appointment{
		id:            uuid.New().String(),
		patientID:     source.patientID,
		doctorID:      source.doctorID,
		kind:          source.kind,
		requestedDate: date.UTC(),
		state:         Pending{},
		followUpOf:    source.id,
		createdAt:     now,
		updatedAt:     now,
	}
	data := &FollowUpData{
		SourceAppointmentID: source.id,
		FollowUpDate:        a.requestedDate,
	}
	if err := a.raise(actor, EventFollowUpScheduled, data, Pending{}); err != nil {
		return nil, err
	}
	return a, nil
}

// ID returns the aggregate ID
func (a *Appointment) ID() string { return a.id }

// Version returns the current version, including uncommitted changes.
func (a *Appointment) Version() int { return a.version }

// Status returns the current status
func (a *Appointment) Status() Status { return a.state.Status() }

// State returns the status-specific data.
func (a *Appointment) State() State { return a.state }

// Accessors for the fields that never change after booking, plus the call
// bookkeeping and timestamps maintained by the repository.
func (a *Appointment) PatientID() string        { return a.patientID }
func (a *Appointment) DoctorID() string         { return a.doctorID }
func (a *Appointment) Type() Type               { return a.kind }
func (a *Appointment) RequestedDate() time.Time { return a.requestedDate }
func (a *Appointment) PatientNotes() string     { return a.patientNotes }
func (a *Appointment) FollowUpOf() string       { return a.followUpOf }
func (a *Appointment) Call() CallInfo           { return a.call }
func (a *Appointment) CreatedAt() time.Time     { return a.createdAt }
func (a *Appointment) UpdatedAt() time.Time     { return a.updatedAt }

// Proposal returns the doctor's latest proposal, if any.
func (a *Appointment) Proposal() *Proposal { return proposalOf(a.state) }

// ConfirmedDate returns the agreed time, if any.
func (a *Appointment) ConfirmedDate() *time.Time { return confirmedDateOf(a.state) }

// ScheduledAt is the date every view displays: the confirmed date, else the
// proposed date, else the requested date.
func (a *Appointment) ScheduledAt() time.Time {
	if d := a.ConfirmedDate(); d != nil {
		return *d
	}
	if p := a.Proposal(); p != nil {
		return p.Date
	}
	return a.requestedDate
}

// Changes returns uncommitted events
func (a *Appointment) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Appointment) ClearChanges() { a.changes = nil }

// IsParty reports whether the actor is this appointment's patient or doctor.
func (a *Appointment) IsParty(actor Actor) bool {
	switch actor.Role {
	case RolePatient:
		return actor.ID == a.patientID
	case RoleDoctor:
		return actor.ID == a.doctorID
	}
	return false
}

// CanView reports whether the actor may read this appointment.
func (a *Appointment) CanView(actor Actor) bool {
	return actor.Role == RoleAdmin || a.IsParty(actor)
}

// Propose records the doctor's counter-offer.
func (a *Appointment) Propose(actor Actor, p Proposal) error {
	if err := a.authorize(actor, StatusProposed); err != nil {
		return err
	}
	if p.Date.IsZero() {
		return invalid("proposed_date", "please select both date and time")
	}
	p.Location = strings.TrimSpace(p.Location)
	p.DoctorNotes = strings.TrimSpace(p.DoctorNotes)
	if a.kind == TypeOnline && p.Location != "" {
		return invalid("location", "online appointments have no location")
	}
	p.Date = p.Date.UTC()

	data := &ProposedData{ProposedDate: p.Date, Location: p.Location, DoctorNotes: p.DoctorNotes}
	return a.raise(actor, EventAppointmentProposed, data, Proposed{Proposal: p})
}

// Accept confirms the patient's requested time as is.
func (a *Appointment) Accept(actor Actor) error {
	_, pending := a.state.(Pending)
	if err := a.require(actor, pending, StatusConfirmed); err != nil {
		return err
	}
	data := &ConfirmedData{ConfirmedDate: a.requestedDate}
	return a.raise(actor, EventAppointmentAccepted, data, Confirmed{ConfirmedDate: a.requestedDate})
}

// Confirm accepts the doctor's proposal.
func (a *Appointment) Confirm(actor Actor) error {
	proposed, ok := a.state.(Proposed)
	if err := a.require(actor, ok, StatusConfirmed); err != nil {
		return err
	}
	p := proposed.Proposal
	data := &ConfirmedData{ConfirmedDate: p.Date}
	return a.raise(actor, EventAppointmentConfirmed, data, Confirmed{ConfirmedDate: p.Date, Proposal: &p})
}

// Cancel ends the negotiation. Either party may cancel any non-terminal
// appointment.
func (a *Appointment) Cancel(actor Actor) error {
	if err := a.authorize(actor, StatusCancelled); err != nil {
		return err
	}
	data := &CancelledData{PreviousStatus: a.Status()}
	next := Cancelled{Proposal: a.Proposal(), ConfirmedDate: a.ConfirmedDate()}
	return a.raise(actor, EventAppointmentCancelled, data, next)
}

// Complete marks the visit done. The consultation itself is persisted
// alongside this change by the store.
func (a *Appointment) Complete(actor Actor, c *Consultation) error {
	if err := a.authorize(actor, StatusCompleted); err != nil {
		return err
	}
	confirmed, ok := a.state.(Confirmed)
	if !ok {
		return &TransitionError{Role: actor.Role, From: a.Status(), To: StatusCompleted, Err: ErrInvalidTransition}
	}
	data := &CompletedData{
		ConsultationID: c.ID,
		FollowUp:       c.FollowUp,
		FollowUpDate:   c.FollowUpDate,
	}
	next := Completed{ConfirmedDate: confirmed.ConfirmedDate, Proposal: confirmed.Proposal}
	return a.raise(actor, EventAppointmentCompleted, data, next)
}

func (a *Appointment) authorize(actor Actor, to Status) error {
	from := a.Status()
	if !a.IsParty(actor) {
		return &TransitionError{Role: actor.Role, From: from, To: to, Err: ErrForbidden}
	}
	if CanTransition(actor.Role, from, to) {
		return nil
	}
	err := ErrForbidden
	if !edgeExists(from, to) {
		err = ErrInvalidTransition
	}
	return &TransitionError{Role: actor.Role, From: from, To: to, Err: err}
}

// require is authorize for operations that share a target status with
// another edge. A state that does not match the operation is an invalid
// transition even when the role could reach the target some other way.
func (a *Appointment) require(actor Actor, stateOK bool, to Status) error {
	if a.IsParty(actor) && !stateOK {
		return &TransitionError{Role: actor.Role, From: a.Status(), To: to, Err: ErrInvalidTransition}
	}
	return a.authorize(actor, to)
}

// raise records an event and moves to the next state.
func (a *Appointment) raise(actor Actor, eventType EventType, data interface{}, next State) error {
	event, err := NewEvent(a.id, eventType, data)
	if err != nil {
		return err
	}
	event.WithParties(actor, a.patientID, a.doctorID)

	a.version++
	event.Version = a.version
	a.state = next
	a.updatedAt = event.Timestamp
	a.changes = append(a.changes, event)
	return nil
}

// Record is the flat representation used for storage and API responses.
type Record struct {
	ID            string     `json:"id"`
	PatientID     string     `json:"patient_id"`
	DoctorID      string     `json:"doctor_id"`
	Status        Status     `json:"status"`
	Type          Type       `json:"appointment_type"`
	RequestedDate time.Time  `json:"requested_date"`
	ProposedDate  *time.Time `json:"proposed_date"`
	ConfirmedDate *time.Time `json:"confirmed_date"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	Location      string     `json:"location,omitempty"`
	PatientNotes  string     `json:"patient_notes,omitempty"`
	DoctorNotes   string     `json:"doctor_notes,omitempty"`
	FollowUpOf    *string    `json:"follow_up_of,omitempty"`
	CallInfo
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record flattens the aggregate.
func (a *Appointment) Record() Record {
	r := Record{
		ID:            a.id,
		PatientID:     a.patientID,
		DoctorID:      a.doctorID,
		Status:        a.Status(),
		Type:          a.kind,
		RequestedDate: a.requestedDate,
		ConfirmedDate: a.ConfirmedDate(),
		ScheduledAt:   a.ScheduledAt(),
		PatientNotes:  a.patientNotes,
		CallInfo:      a.call,
		Version:       a.version,
		CreatedAt:     a.createdAt,
		UpdatedAt:     a.updatedAt,
	}
	if p := a.Proposal(); p != nil {
		d := p.Date
		r.ProposedDate = &d
		r.Location = p.Location
		r.DoctorNotes = p.DoctorNotes
	}
	if a.followUpOf != "" {
		id := a.followUpOf
		r.FollowUpOf = &id
	}
	return r
}

// FromRecord rebuilds an aggregate from a stored row, rejecting rows whose
// dates do not fit their status.
func FromRecord(r Record) (*Appointment, error) {
	a := &Appointment{
		id:            r.ID,
		version:       r.Version,
		patientID:     r.PatientID,
		doctorID:      r.DoctorID,
		kind:          r.Type,
		requestedDate: r.RequestedDate,
		patientNotes:  r.PatientNotes,
		call:          r.CallInfo,
		createdAt:     r.CreatedAt,
		updatedAt:     r.UpdatedAt,
	}
	if r.FollowUpOf != nil {
		a.followUpOf = *r.FollowUpOf
	}

	var proposal *Proposal
	if r.ProposedDate != nil {
		proposal = &Proposal{Date: *r.ProposedDate, Location: r.Location, DoctorNotes: r.DoctorNotes}
	}

	switch r.Status {
	case StatusPending:
		a.state = Pending{}
	case StatusProposed:
		if proposal == nil {
			return nil, fmt.Errorf("appointment %s: proposed without proposed_date", r.ID)
		}
		a.state = Proposed{Proposal: *proposal}
	case StatusConfirmed:
		if r.ConfirmedDate == nil {
			return nil, fmt.Errorf("appointment %s: confirmed without confirmed_date", r.ID)
		}
		a.state = Confirmed{ConfirmedDate: *r.ConfirmedDate, Proposal: proposal}
	case StatusCompleted:
		if r.ConfirmedDate == nil {
			return nil, fmt.Errorf("appointment %s: completed without confirmed_date", r.ID)
		}
		a.state = Completed{ConfirmedDate: *r.ConfirmedDate, Proposal: proposal}
	case StatusCancelled:
		a.state = Cancelled{Proposal: proposal, ConfirmedDate: r.ConfirmedDate}
	default:
		return nil, fmt.Errorf("appointment %s: unknown status %q", r.ID, r.Status)
	}
	return a, nil
}
