package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Consultation is the clinical record of a completed visit. It is written
// once, together with the appointment's move to completed.
type Consultation struct {
	ID               string     `json:"id"`
	AppointmentID    string     `json:"appointment_id"`
	PatientID        string     `json:"patient_id"`
	DoctorID         string     `json:"doctor_id"`
	Symptoms         string     `json:"symptoms"`
	Medicines        string     `json:"medicines"`
	AdditionalAdvice string     `json:"additional_advice,omitempty"`
	FollowUp         bool       `json:"follow_up"`
	FollowUpDate     *time.Time `json:"follow_up_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ConsultationInput is what the doctor submits to complete a visit. The
// follow-up date and time arrive as separate fields, as entered.
type ConsultationInput struct {
	Symptoms         string `json:"symptoms"`
	Medicines        string `json:"medicines"`
	AdditionalAdvice string `json:"additional_advice"`
	FollowUp         bool   `json:"follow_up"`
	FollowUpDate     string `json:"follow_up_date"`
	FollowUpTime     string `json:"follow_up_time"`
}

// build validates the input and produces the consultation for appointment a.
// The clinical fields are free text and may be empty.
func (in ConsultationInput) build(a *Appointment, loc *time.Location, now time.Time) (*Consultation, error) {
	c := &Consultation{
		ID:               uuid.New().String(),
		AppointmentID:    a.ID(),
		PatientID:        a.PatientID(),
		DoctorID:         a.DoctorID(),
		Symptoms:         strings.TrimSpace(in.Symptoms),
		Medicines:        strings.TrimSpace(in.Medicines),
		AdditionalAdvice: strings.TrimSpace(in.AdditionalAdvice),
		FollowUp:         in.FollowUp,
		CreatedAt:        now.UTC(),
	}
	if !in.FollowUp {
		return c, nil
	}

	at, err := ParseSchedule("follow_up_date", in.FollowUpDate, in.FollowUpTime, loc)
	if err != nil {
		return nil, err
	}
	c.FollowUpDate = &at
	return c, nil
}

// ParseSchedule combines a "2006-01-02" date and a "15:04" time in loc. Both
// parts are required; errors are reported against field.
func ParseSchedule(field, date, clock string, loc *time.Location) (time.Time, error) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, invalid(field, "please select both date and time")
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, invalid(field, "expected date YYYY-MM-DD and time HH:MM")
	}
	return t.UTC(), nil
}
