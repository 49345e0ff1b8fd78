package appointment

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("appointment-service")

const (
	dashboardListSize = 5
	defaultListLimit  = 50
	maxListLimit      = 200
)

// Service runs the negotiation workflow on top of a Store.
type Service struct {
	store    Store
	profiles ProfileChecker
	feed     ChangeFeed
	observer Observer
	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithChangeFeed sets the realtime feed notified after each write.
func WithChangeFeed(feed ChangeFeed) Option {
	return func(s *Service) { s.feed = feed }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithLocation sets the time zone that submitted dates and times are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.location = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an appointment service
func NewService(store Store, profiles ProfileChecker, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		profiles: profiles,
		observer: nopObserver{},
		logger:   logger,
		location: time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BookInput is a patient's booking request.
type BookInput struct {
	DoctorID     string
	Type         Type
	Date         string
	Time         string
	PatientNotes string
}

// ProposeInput is a doctor's counter-offer.
type ProposeInput struct {
	Date        string
	Time        string
	Location    string
	DoctorNotes string
}

// Book creates a pending appointment for the acting patient. The patient's
// profile must have a phone number and address.
func (s *Service) Book(ctx context.Context, actor Actor, in BookInput) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.Book")
	defer span.End()

	if !CanTransition(actor.Role, StatusNone, StatusPending) {
		err := &TransitionError{Role: actor.Role, From: StatusNone, To: StatusPending, Err: ErrForbidden}
		s.reject(err)
		return nil, err
	}
	at, err := ParseSchedule("requested_date", in.Date, in.Time, s.location)
	if err != nil {
		s.reject(err)
		return nil, err
	}

	missing, err := s.profiles.MissingPatientFields(ctx, actor.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(missing) > 0 {
		err := &ProfileError{Missing: missing}
		s.reject(err)
		return nil, err
	}

	a, err := NewAppointment(actor, Request{
		DoctorID:      in.DoctorID,
		Type:          in.Type,
		RequestedDate: at,
		PatientNotes:  in.PatientNotes,
	})
	if err != nil {
		s.reject(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment.id", a.ID()))

	if err := s.store.Create(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.applied(ctx, StatusNone, a, EventAppointmentRequested)

	s.logger.Info("appointment requested",
		zap.String("appointment_id", a.ID()),
		zap.String("doctor_id", a.DoctorID()),
		zap.Time("requested_date", a.RequestedDate()),
	)
	return a, nil
}

// Propose records the doctor's counter-offer on a pending appointment.
func (s *Service) Propose(ctx context.Context, actor Actor, id string, in ProposeInput) (*Appointment, error) {
	at, err := ParseSchedule("proposed_date", in.Date, in.Time, s.location)
	if err != nil {
		s.reject(err)
		return nil, err
	}
	return s.transition(ctx, actor, id, "Propose", EventAppointmentProposed, func(a *Appointment) error {
		return a.Propose(actor, Proposal{Date: at, Location: in.Location, DoctorNotes: in.DoctorNotes})
	})
}

// Accept confirms a pending appointment at the requested time.
func (s *Service) Accept(ctx context.Context, actor Actor, id string) (*Appointment, error) {
	return s.transition(ctx, actor, id, "Accept", EventAppointmentAccepted, func(a *Appointment) error {
		return a.Accept(actor)
	})
}

// Confirm accepts the doctor's proposal.
func (s *Service) Confirm(ctx context.Context, actor Actor, id string) (*Appointment, error) {
	return s.transition(ctx, actor, id, "Confirm", EventAppointmentConfirmed, func(a *Appointment) error {
		return a.Confirm(actor)
	})
}

// Cancel cancels a non-terminal appointment.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string) (*Appointment, error) {
	return s.transition(ctx, actor, id, "Cancel", EventAppointmentCancelled, func(a *Appointment) error {
		return a.Cancel(actor)
	})
}

func (s *Service) transition(ctx context.Context, actor Actor, id, op string, eventType EventType, fn func(*Appointment) error) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment."+op)
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id), attribute.String("actor.role", string(actor.Role)))

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := a.Status()

	if err := fn(a); err != nil {
		s.reject(err)
		return nil, err
	}
	if err := s.store.Save(ctx, a); err != nil {
		if errors.Is(err, ErrStaleState) {
			s.observer.TransitionRejected("stale")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.applied(ctx, from, a, eventType)
	return a, nil
}

// Get returns an appointment the actor may view.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.CanView(actor) {
		return nil, ErrForbidden
	}
	return a, nil
}

// ListQuery narrows a listing.
type ListQuery struct {
	Statuses []Status
	Limit    int
	Offset   int
}

// List returns the actor's appointments ordered by display date. Admins see
// every appointment.
func (s *Service) List(ctx context.Context, actor Actor, q ListQuery) ([]*Appointment, int, error) {
	f, err := scope(actor)
	if err != nil {
		return nil, 0, err
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return nil, 0, invalid("status", "unknown status "+string(st))
		}
	}
	f.Statuses = q.Statuses
	f.Limit, f.Offset = clampPage(q.Limit, q.Offset)
	return s.store.List(ctx, f)
}

// History returns the appointment's audit trail.
func (s *Service) History(ctx context.Context, actor Actor, id string) ([]*Event, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// Consultation returns the consultation recorded for an appointment.
func (s *Service) Consultation(ctx context.Context, actor Actor, appointmentID string) (*Consultation, error) {
	if _, err := s.Get(ctx, actor, appointmentID); err != nil {
		return nil, err
	}
	return s.store.Consultation(ctx, appointmentID)
}

// Consultations lists the actor's consultations, newest first.
func (s *Service) Consultations(ctx context.Context, actor Actor, limit, offset int) ([]*Consultation, int, error) {
	f, err := scope(actor)
	if err != nil {
		return nil, 0, err
	}
	cf := ConsultationFilter{PatientID: f.PatientID, DoctorID: f.DoctorID}
	cf.Limit, cf.Offset = clampPage(limit, offset)
	return s.store.ListConsultations(ctx, cf)
}

// UpcomingFollowUps lists consultations whose follow-up date has not passed.
func (s *Service) UpcomingFollowUps(ctx context.Context, actor Actor, limit int) ([]*Consultation, error) {
	f, err := scope(actor)
	if err != nil {
		return nil, err
	}
	cf := ConsultationFilter{PatientID: f.PatientID, DoctorID: f.DoctorID}
	cf.Limit, _ = clampPage(limit, 0)
	return s.store.UpcomingFollowUps(ctx, cf, s.now().UTC())
}

// Stats counts appointments by dashboard bucket. Pending includes proposed.
type Stats struct {
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// Dashboard is the home screen summary.
type Dashboard struct {
	Stats     Stats           `json:"stats"`
	Active    []*Appointment  `json:"-"`
	FollowUps []*Consultation `json:"upcoming_follow_ups"`
}

// Dashboard summarizes the actor's appointments.
func (s *Service) Dashboard(ctx context.Context, actor Actor) (*Dashboard, error) {
	ctx, span := tracer.Start(ctx, "appointment.Dashboard")
	defer span.End()

	f, err := scope(actor)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByStatus(ctx, f)
	if err != nil {
		return nil, err
	}

	active := f
	active.Statuses = []Status{StatusPending, StatusProposed, StatusConfirmed}
	active.Limit = dashboardListSize
	list, _, err := s.store.List(ctx, active)
	if err != nil {
		return nil, err
	}

	followUps, err := s.store.UpcomingFollowUps(ctx, ConsultationFilter{
		PatientID: f.PatientID,
		DoctorID:  f.DoctorID,
		Limit:     dashboardListSize,
	}, s.now().UTC())
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		Stats: Stats{
			Pending:   counts[StatusPending] + counts[StatusProposed],
			Confirmed: counts[StatusConfirmed],
			Completed: counts[StatusCompleted],
			Cancelled: counts[StatusCancelled],
		},
		Active:    list,
		FollowUps: followUps,
	}, nil
}

// UpdateCallInfo stores video-call bookkeeping written by the call service.
func (s *Service) UpdateCallInfo(ctx context.Context, actor Actor, id string, call CallInfo) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsParty(actor) {
		return nil, ErrForbidden
	}
	if st := a.Status(); st.Terminal() {
		return nil, &TransitionError{Role: actor.Role, From: st, To: st, Err: ErrInvalidTransition}
	}
	if err := s.store.UpdateCallInfo(ctx, id, call); err != nil {
		return nil, err
	}
	a.call = call
	s.publish(ctx, a, "")
	return a, nil
}

func scope(actor Actor) (ListFilter, error) {
	switch actor.Role {
	case RolePatient:
		return ListFilter{PatientID: actor.ID}, nil
	case RoleDoctor:
		return ListFilter{DoctorID: actor.ID}, nil
	case RoleAdmin:
		return ListFilter{}, nil
	}
	return ListFilter{}, ErrForbidden
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) applied(ctx context.Context, from Status, a *Appointment, eventType EventType) {
	s.observer.TransitionApplied(string(from), string(a.Status()))
	s.publish(ctx, a, eventType)
}

func (s *Service) reject(err error) {
	var te *TransitionError
	var ve *ValidationError
	switch {
	case errors.As(err, &te) && errors.Is(err, ErrForbidden):
		s.observer.TransitionRejected("forbidden")
	case errors.As(err, &te):
		s.observer.TransitionRejected("invalid_transition")
	case errors.Is(err, ErrIncompleteProfile):
		s.observer.TransitionRejected("incomplete_profile")
	case errors.As(err, &ve):
		s.observer.TransitionRejected("validation")
	}
}

// publish pushes an advisory change. Failures are logged and dropped.
func (s *Service) publish(ctx context.Context, a *Appointment, eventType EventType) {
	if s.feed == nil {
		return
	}
	change := Change{
		AppointmentID: a.ID(),
		PatientID:     a.PatientID(),
		DoctorID:      a.DoctorID(),
		Status:        a.Status(),
		EventType:     eventType,
		Version:       a.Version(),
		At:            s.now().UTC(),
	}
	if err := s.feed.AppointmentChanged(ctx, change); err != nil {
		s.logger.Warn("realtime change not delivered",
			zap.String("appointment_id", a.ID()),
			zap.Error(err),
		)
	}
}
