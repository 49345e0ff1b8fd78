package appointment

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// CompletionResult reports a completed visit. FollowUp is nil when none was
// requested or when scheduling it failed; the latter adds a warning.
type CompletionResult struct {
	Appointment  *Appointment
	Consultation *Consultation
	FollowUp     *Appointment
	Warnings     []string
}

// CompleteAppointment records the consultation for a confirmed appointment and
// marks it completed. Both writes commit together or not at all. A requested
// follow-up is then scheduled as a new pending appointment; if that fails the
// completion still stands and the failure is returned as a warning.
func (s *Service) CompleteAppointment(ctx context.Context, actor Actor, id string, in ConsultationInput) (*CompletionResult, error) {
	ctx, span := tracer.Start(ctx, "appointment.CompleteAppointment")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id))

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.authorize(actor, StatusCompleted); err != nil {
		s.reject(err)
		return nil, err
	}
	c, err := in.build(a, s.location, s.now())
	if err != nil {
		s.reject(err)
		return nil, err
	}
	if err := a.Complete(actor, c); err != nil {
		s.reject(err)
		return nil, err
	}

	if err := s.store.Complete(ctx, a, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("complete appointment",
			zap.String("appointment_id", id),
			zap.Error(err),
		)
		return nil, err
	}
	s.applied(ctx, StatusConfirmed, a, EventAppointmentCompleted)
	s.observer.ConsultationRecorded(c.FollowUp)

	result := &CompletionResult{Appointment: a, Consultation: c}
	if !c.FollowUp {
		return result, nil
	}

	followUp, err := s.scheduleFollowUp(ctx, actor, a, c)
	if err != nil {
		s.observer.FollowUpFailed()
		s.logger.Warn("follow-up appointment not scheduled",
			zap.String("appointment_id", a.ID()),
			zap.String("consultation_id", c.ID),
			zap.Timep("follow_up_date", c.FollowUpDate),
			zap.Error(err),
		)
		result.Warnings = append(result.Warnings, "consultation saved, but the follow-up appointment could not be scheduled")
		return result, nil
	}
	result.FollowUp = followUp
	span.SetAttributes(attribute.String("follow_up.id", followUp.ID()))
	return result, nil
}

func (s *Service) scheduleFollowUp(ctx context.Context, actor Actor, source *Appointment, c *Consultation) (*Appointment, error) {
	f, err := NewFollowUp(source, actor, *c.FollowUpDate)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, f); err != nil {
		return nil, err
	}
	s.applied(ctx, StatusNone, f, EventFollowUpScheduled)
	return f, nil
}
