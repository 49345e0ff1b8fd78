package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/domain/appointment"
)

// AppointmentService is the workflow the handlers drive.
type AppointmentService interface {
	Book(ctx context.Context, actor appointment.Actor, in appointment.BookInput) (*appointment.Appointment, error)
	Propose(ctx context.Context, actor appointment.Actor, id string, in appointment.ProposeInput) (*appointment.Appointment, error)
	Accept(ctx context.Context, actor appointment.Actor, id string) (*appointment.Appointment, error)
	Confirm(ctx context.Context, actor appointment.Actor, id string) (*appointment.Appointment, error)
	Cancel(ctx context.Context, actor appointment.Actor, id string) (*appointment.Appointment, error)
	CompleteAppointment(ctx context.Context, actor appointment.Actor, id string, in appointment.ConsultationInput) (*appointment.CompletionResult, error)
	Get(ctx context.Context, actor appointment.Actor, id string) (*appointment.Appointment, error)
	List(ctx context.Context, actor appointment.Actor, q appointment.ListQuery) ([]*appointment.Appointment, int, error)
	History(ctx context.Context, actor appointment.Actor, id string) ([]*appointment.Event, error)
	Consultation(ctx context.Context, actor appointment.Actor, appointmentID string) (*appointment.Consultation, error)
	Consultations(ctx context.Context, actor appointment.Actor, limit, offset int) ([]*appointment.Consultation, int, error)
	UpcomingFollowUps(ctx context.Context, actor appointment.Actor, limit int) ([]*appointment.Consultation, error)
	Dashboard(ctx context.Context, actor appointment.Actor) (*appointment.Dashboard, error)
	UpdateCallInfo(ctx context.Context, actor appointment.Actor, id string, call appointment.CallInfo) (*appointment.Appointment, error)
}

// AppointmentHandler handles appointment, consultation and dashboard endpoints
type AppointmentHandler struct {
	svc      AppointmentService
	validate *validator.Validate
	logger   *zap.Logger
}

// NewAppointmentHandler creates a new handler
func NewAppointmentHandler(svc AppointmentService, logger *zap.Logger) *AppointmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentHandler{svc: svc, validate: newValidator(), logger: logger}
}

// Routes mounts the appointment endpoints under /appointments and the
// read-only views next to them.
func (h *AppointmentHandler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(correlate)

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.Book)
			r.Get("/", h.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Get)
				r.Get("/events", h.Events)
				r.Post("/propose", h.Propose)
				r.Post("/accept", h.Accept)
				r.Post("/confirm", h.Confirm)
				r.Post("/cancel", h.Cancel)
				r.Post("/complete", h.Complete)
				r.Get("/consultation", h.Consultation)
				r.Put("/call", h.UpdateCall)
			})
		})
		r.Get("/consultations", h.Consultations)
		r.Get("/follow-ups", h.FollowUps)
		r.Get("/dashboard", h.Dashboard)
	})
}

// BookRequest is the body of POST /appointments
type BookRequest struct {
	DoctorID     string `json:"doctor_id" validate:"required,uuid"`
	Type         string `json:"appointment_type" validate:"required,oneof=online offline"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	PatientNotes string `json:"patient_notes" validate:"max=2000"`
}

// ProposeRequest is the body of POST /appointments/{id}/propose
type ProposeRequest struct {
	Date        string `json:"date"`
	Time        string `json:"time"`
	Location    string `json:"location" validate:"max=500"`
	DoctorNotes string `json:"doctor_notes" validate:"max=2000"`
}

// CompleteRequest is the body of POST /appointments/{id}/complete
type CompleteRequest struct {
	Symptoms         string `json:"symptoms" validate:"max=5000"`
	Medicines        string `json:"medicines" validate:"max=5000"`
	AdditionalAdvice string `json:"additional_advice" validate:"max=5000"`
	FollowUp         bool   `json:"follow_up"`
	FollowUpDate     string `json:"follow_up_date"`
	FollowUpTime     string `json:"follow_up_time"`
}

// CallRequest is the body of PUT /appointments/{id}/call
type CallRequest struct {
	appointment.CallInfo
}

// ListResponse is a page of appointments
type ListResponse struct {
	Appointments []appointment.Record `json:"appointments"`
	Total        int                  `json:"total"`
	Offset       int                  `json:"offset"`
}

// CompleteResponse reports a completed visit
type CompleteResponse struct {
	Appointment  appointment.Record        `json:"appointment"`
	Consultation *appointment.Consultation `json:"consultation"`
	FollowUp     *appointment.Record       `json:"follow_up,omitempty"`
	Warnings     []string                  `json:"warnings,omitempty"`
}

// DashboardResponse is the home screen summary
type DashboardResponse struct {
	Stats             appointment.Stats          `json:"stats"`
	Active            []appointment.Record       `json:"active_appointments"`
	UpcomingFollowUps []*appointment.Consultation `json:"upcoming_follow_ups"`
}

// Book handles POST /appointments
func (h *AppointmentHandler) Book(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req BookRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	a, err := h.svc.Book(r.Context(), actor, appointment.BookInput{
		DoctorID:     req.DoctorID,
		Type:         appointment.Type(req.Type),
		Date:         req.Date,
		Time:         req.Time,
		PatientNotes: req.PatientNotes,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Record())
}

// List handles GET /appointments?status=pending,proposed&limit=&offset=
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	q, err := listQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	list, total, err := h.svc.List(r.Context(), actor, q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := ListResponse{
		Appointments: records(list),
		Total:        total,
		Offset:       q.Offset,
	}
	writeJSON(w, http.StatusOK, resp)
}

func listQuery(r *http.Request) (appointment.ListQuery, error) {
	var q appointment.ListQuery
	var err error
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		return q, err
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				q.Statuses = append(q.Statuses, appointment.Status(s))
			}
		}
	}
	return q, nil
}

// Get handles GET /appointments/{id}
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	a, err := h.svc.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Record())
}

// Events handles GET /appointments/{id}/events
func (h *AppointmentHandler) Events(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	events, err := h.svc.History(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*appointment.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Propose handles POST /appointments/{id}/propose
func (h *AppointmentHandler) Propose(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ProposeRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	a, err := h.svc.Propose(r.Context(), actor, chi.URLParam(r, "id"), appointment.ProposeInput{
		Date:        req.Date,
		Time:        req.Time,
		Location:    req.Location,
		DoctorNotes: req.DoctorNotes,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Record())
}

// Accept handles POST /appointments/{id}/accept
func (h *AppointmentHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.svc.Accept)
}

// Confirm handles POST /appointments/{id}/confirm
func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.svc.Confirm)
}

// Cancel handles POST /appointments/{id}/cancel
func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.svc.Cancel)
}

type bodylessTransition func(ctx context.Context, actor appointment.Actor, id string) (*appointment.Appointment, error)

func (h *AppointmentHandler) simple(w http.ResponseWriter, r *http.Request, fn bodylessTransition) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	a, err := fn(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Record())
}

// Complete handles POST /appointments/{id}/complete
func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CompleteRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.svc.CompleteAppointment(r.Context(), actor, chi.URLParam(r, "id"), appointment.ConsultationInput{
		Symptoms:         req.Symptoms,
		Medicines:        req.Medicines,
		AdditionalAdvice: req.AdditionalAdvice,
		FollowUp:         req.FollowUp,
		FollowUpDate:     req.FollowUpDate,
		FollowUpTime:     req.FollowUpTime,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := CompleteResponse{
		Appointment:  res.Appointment.Record(),
		Consultation: res.Consultation,
		Warnings:     res.Warnings,
	}
	if res.FollowUp != nil {
		rec := res.FollowUp.Record()
		resp.FollowUp = &rec
	}
	if len(res.Warnings) > 0 {
		h.logger.Warn("appointment completed with warnings",
			zap.String("appointment_id", res.Appointment.ID()),
			zap.String("trace_id", trace.SpanContextFromContext(r.Context()).TraceID().String()),
			zap.Strings("warnings", res.Warnings),
		)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Consultation handles GET /appointments/{id}/consultation
func (h *AppointmentHandler) Consultation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	c, err := h.svc.Consultation(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCall handles PUT /appointments/{id}/call
func (h *AppointmentHandler) UpdateCall(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CallRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a, err := h.svc.UpdateCallInfo(r.Context(), actor, chi.URLParam(r, "id"), req.CallInfo)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Record())
}

// Consultations handles GET /consultations
func (h *AppointmentHandler) Consultations(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	q, err := listQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	list, total, err := h.svc.Consultations(r.Context(), actor, q.Limit, q.Offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*appointment.Consultation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consultations": list,
		"total":         total,
	})
}

// FollowUps handles GET /follow-ups
func (h *AppointmentHandler) FollowUps(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	list, err := h.svc.UpcomingFollowUps(r.Context(), actor, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*appointment.Consultation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Dashboard handles GET /dashboard
func (h *AppointmentHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Dashboard(r.Context(), actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	followUps := d.FollowUps
	if followUps == nil {
		followUps = []*appointment.Consultation{}
	}
	writeJSON(w, http.StatusOK, DashboardResponse{
		Stats:             d.Stats,
		Active:            records(d.Active),
		UpcomingFollowUps: followUps,
	})
}

func records(list []*appointment.Appointment) []appointment.Record {
	out := make([]appointment.Record, 0, len(list))
	for _, a := range list {
		out = append(out, a.Record())
	}
	return out
}
