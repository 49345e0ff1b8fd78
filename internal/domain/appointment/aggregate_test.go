package appointment

import (
	"errors"
	"testing"
	"time"
)

var (
	patient   = Actor{ID: "11111111-1111-1111-1111-111111111111", Role: RolePatient}
	doctor    = Actor{ID: "22222222-2222-2222-2222-222222222222", Role: RoleDoctor}
	stranger  = Actor{ID: "33333333-3333-3333-3333-333333333333", Role: RoleDoctor}
	admin     = Actor{ID: "44444444-4444-4444-4444-444444444444", Role: RoleAdmin}
	requested = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	proposed  = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
)

func newPending(t *testing.T, kind Type) *Appointment {
	t.Helper()
	a, err := NewAppointment(patient, Request{DoctorID: doctor.ID, Type: kind, RequestedDate: requested})
	if err != nil {
		t.Fatalf("NewAppointment() error = %v", err)
	}
	return a
}

func TestCanTransition(t *testing.T) {
	statuses := []Status{StatusNone, StatusPending, StatusProposed, StatusConfirmed, StatusCompleted, StatusCancelled}
	roles := []Role{RolePatient, RoleDoctor, RoleAdmin}

	allowed := map[Role]map[edge]bool{
		RolePatient: {
			{StatusNone, StatusPending}:        true,
			{StatusProposed, StatusConfirmed}:  true,
			{StatusPending, StatusCancelled}:   true,
			{StatusProposed, StatusCancelled}:  true,
			{StatusConfirmed, StatusCancelled}: true,
		},
		RoleDoctor: {
			{StatusPending, StatusProposed}:    true,
			{StatusPending, StatusConfirmed}:   true,
			{StatusConfirmed, StatusCompleted}: true,
			{StatusPending, StatusCancelled}:   true,
			{StatusProposed, StatusCancelled}:  true,
			{StatusConfirmed, StatusCancelled}: true,
		},
		RoleAdmin: {},
	}

	for _, role := range roles {
		for _, from := range statuses {
			for _, to := range statuses {
				want := allowed[role][edge{from, to}]
				if got := CanTransition(role, from, to); got != want {
					t.Errorf("CanTransition(%s, %q, %q) = %v, want %v", role, from, to, got, want)
				}
			}
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for e := range transitions {
		if e.from.Terminal() {
			t.Errorf("edge %q -> %q leaves a terminal status", e.from, e.to)
		}
	}
}

func TestNewAppointment(t *testing.T) {
	tests := []struct {
		name      string
		actor     Actor
		req       Request
		wantField string
		wantErr   error
	}{
		{
			name:    "doctor cannot book",
			actor:   doctor,
			req:     Request{DoctorID: stranger.ID, Type: TypeOnline, RequestedDate: requested},
			wantErr: ErrForbidden,
		},
		{
			name:      "missing doctor",
			actor:     patient,
			req:       Request{Type: TypeOnline, RequestedDate: requested},
			wantField: "doctor_id",
		},
		{
			name:      "self booking",
			actor:     patient,
			req:       Request{DoctorID: patient.ID, Type: TypeOnline, RequestedDate: requested},
			wantField: "doctor_id",
		},
		{
			name:      "unknown type",
			actor:     patient,
			req:       Request{DoctorID: doctor.ID, Type: "home", RequestedDate: requested},
			wantField: "appointment_type",
		},
		{
			name:      "missing date",
			actor:     patient,
			req:       Request{DoctorID: doctor.ID, Type: TypeOffline},
			wantField: "requested_date",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAppointment(tt.actor, tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			var ve *ValidationError
			if tt.wantField != "" && (!errors.As(err, &ve) || ve.Field != tt.wantField) {
				t.Errorf("error = %v, want validation error on %s", err, tt.wantField)
			}
		})
	}
}

func TestNewAppointmentRaisesRequested(t *testing.T) {
	a := newPending(t, TypeOffline)

	if a.Status() != StatusPending {
		t.Errorf("Status() = %s, want pending", a.Status())
	}
	if a.Version() != 1 {
		t.Errorf("Version() = %d, want 1", a.Version())
	}
	changes := a.Changes()
	if len(changes) != 1 || changes[0].EventType != EventAppointmentRequested {
		t.Fatalf("Changes() = %v, want one AppointmentRequested", changes)
	}
	if changes[0].PatientID != patient.ID || changes[0].DoctorID != doctor.ID {
		t.Errorf("event parties = %s/%s", changes[0].PatientID, changes[0].DoctorID)
	}
	if !a.ScheduledAt().Equal(requested) {
		t.Errorf("ScheduledAt() = %v, want %v", a.ScheduledAt(), requested)
	}
}

func TestProposeThenConfirm(t *testing.T) {
	a := newPending(t, TypeOffline)

	if err := a.Propose(doctor, Proposal{Date: proposed, Location: " Clinic A "}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if a.Status() != StatusProposed {
		t.Fatalf("Status() = %s, want proposed", a.Status())
	}
	if p := a.Proposal(); p == nil || p.Location != "Clinic A" {
		t.Errorf("Proposal() = %+v", p)
	}
	if a.ConfirmedDate() != nil {
		t.Error("proposed appointment has a confirmed date")
	}
	if !a.ScheduledAt().Equal(proposed) {
		t.Errorf("ScheduledAt() = %v, want proposed date", a.ScheduledAt())
	}

	if err := a.Confirm(doctor); !errors.Is(err, ErrForbidden) {
		t.Errorf("doctor Confirm() error = %v, want ErrForbidden", err)
	}
	if err := a.Confirm(patient); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if d := a.ConfirmedDate(); d == nil || !d.Equal(proposed) {
		t.Errorf("ConfirmedDate() = %v, want %v", d, proposed)
	}
	if a.Version() != 3 {
		t.Errorf("Version() = %d, want 3", a.Version())
	}
}

func TestAcceptUsesRequestedDate(t *testing.T) {
	a := newPending(t, TypeOnline)

	if err := a.Accept(patient); !errors.Is(err, ErrForbidden) {
		t.Errorf("patient Accept() error = %v, want ErrForbidden", err)
	}
	if err := a.Accept(doctor); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if d := a.ConfirmedDate(); d == nil || !d.Equal(requested) {
		t.Errorf("ConfirmedDate() = %v, want %v", d, requested)
	}
	if a.Proposal() != nil {
		t.Error("accepted appointment has a proposal")
	}
}

func TestProposeRejectsLocationForOnline(t *testing.T) {
	a := newPending(t, TypeOnline)

	err := a.Propose(doctor, Proposal{Date: proposed, Location: "Clinic A"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "location" {
		t.Fatalf("Propose() error = %v, want location validation error", err)
	}
	if a.Status() != StatusPending || len(a.Changes()) != 1 {
		t.Error("rejected proposal changed the aggregate")
	}
}

func TestNonPartyIsForbidden(t *testing.T) {
	a := newPending(t, TypeOffline)

	for _, actor := range []Actor{stranger, admin} {
		err := a.Accept(actor)
		var te *TransitionError
		if !errors.As(err, &te) || !errors.Is(err, ErrForbidden) {
			t.Errorf("Accept(%s) error = %v, want forbidden TransitionError", actor.ID, err)
		}
	}
}

func TestCancelIsTerminal(t *testing.T) {
	a := newPending(t, TypeOffline)
	if err := a.Propose(doctor, Proposal{Date: proposed}); err != nil {
		t.Fatal(err)
	}
	if err := a.Cancel(patient); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if p := a.Proposal(); p == nil || !p.Date.Equal(proposed) {
		t.Error("cancellation dropped the proposal")
	}

	for name, op := range map[string]func() error{
		"cancel":  func() error { return a.Cancel(doctor) },
		"accept":  func() error { return a.Accept(doctor) },
		"confirm": func() error { return a.Confirm(patient) },
	} {
		if err := op(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s after cancel: error = %v, want ErrInvalidTransition", name, err)
		}
	}
	if a.Status() != StatusCancelled {
		t.Errorf("Status() = %s, want cancelled", a.Status())
	}
}

func TestCompleteRequiresConfirmed(t *testing.T) {
	a := newPending(t, TypeOffline)
	c := &Consultation{ID: "c1", AppointmentID: a.ID()}

	if err := a.Complete(doctor, c); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete(pending) error = %v, want ErrInvalidTransition", err)
	}
	if err := a.Accept(doctor); err != nil {
		t.Fatal(err)
	}
	if err := a.Complete(patient, c); !errors.Is(err, ErrForbidden) {
		t.Errorf("patient Complete() error = %v, want ErrForbidden", err)
	}
	if err := a.Complete(doctor, c); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := a.Cancel(patient); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Cancel(completed) error = %v, want ErrInvalidTransition", err)
	}
	if a.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want completed", a.Status())
	}
}

func TestOperationsFollowRuleTable(t *testing.T) {
	stored := func(t *testing.T, status Status) *Appointment {
		t.Helper()
		rec := Record{
			ID:            "55555555-5555-5555-5555-555555555555",
			PatientID:     patient.ID,
			DoctorID:      doctor.ID,
			Status:        status,
			Type:          TypeOffline,
			RequestedDate: requested,
			Version:       3,
		}
		switch status {
		case StatusProposed:
			d := proposed
			rec.ProposedDate, rec.Location = &d, "Clinic A"
		case StatusConfirmed, StatusCompleted:
			d := requested
			rec.ConfirmedDate = &d
		}
		a, err := FromRecord(rec)
		if err != nil {
			t.Fatalf("FromRecord(%s) error = %v", status, err)
		}
		return a
	}

	ops := []struct {
		name string
		to   Status
		run  func(a *Appointment, actor Actor) error
	}{
		{"propose", StatusProposed, func(a *Appointment, actor Actor) error {
			return a.Propose(actor, Proposal{Date: proposed, Location: "Clinic B"})
		}},
		{"accept", StatusConfirmed, func(a *Appointment, actor Actor) error { return a.Accept(actor) }},
		{"confirm", StatusConfirmed, func(a *Appointment, actor Actor) error { return a.Confirm(actor) }},
		{"cancel", StatusCancelled, func(a *Appointment, actor Actor) error { return a.Cancel(actor) }},
		{"complete", StatusCompleted, func(a *Appointment, actor Actor) error {
			return a.Complete(actor, &Consultation{ID: "c1", AppointmentID: a.ID()})
		}},
	}

	allowed := map[string]bool{
		"propose/doctor/pending":    true,
		"accept/doctor/pending":     true,
		"confirm/patient/proposed":  true,
		"cancel/patient/pending":    true,
		"cancel/patient/proposed":   true,
		"cancel/patient/confirmed":  true,
		"cancel/doctor/pending":     true,
		"cancel/doctor/proposed":    true,
		"cancel/doctor/confirmed":   true,
		"complete/doctor/confirmed": true,
	}

	statuses := []Status{StatusPending, StatusProposed, StatusConfirmed, StatusCompleted, StatusCancelled}
	for _, op := range ops {
		for _, actor := range []Actor{patient, doctor, admin} {
			for _, from := range statuses {
				key := op.name + "/" + string(actor.Role) + "/" + string(from)
				a := stored(t, from)
				err := op.run(a, actor)

				if allowed[key] {
					if err != nil {
						t.Errorf("%s: error = %v", key, err)
						continue
					}
					if a.Status() != op.to || a.Version() != 4 || len(a.Changes()) != 1 {
						t.Errorf("%s: got %s v%d with %d changes", key, a.Status(), a.Version(), len(a.Changes()))
					}
					continue
				}

				if !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s: error = %v, want ErrForbidden or ErrInvalidTransition", key, err)
				}
				if a.Status() != from || a.Version() != 3 || len(a.Changes()) != 0 {
					t.Errorf("%s: rejected call left %s v%d with %d changes", key, a.Status(), a.Version(), len(a.Changes()))
				}
			}
		}
	}
}

func TestWrongStateIsInvalidBeforeRole(t *testing.T) {
	a := newPending(t, TypeOffline)
	if err := a.Confirm(patient); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("patient Confirm(pending) error = %v, want ErrInvalidTransition", err)
	}
	if err := a.Propose(doctor, Proposal{Date: proposed, Location: "Clinic A"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(patient); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("patient Accept(proposed) error = %v, want ErrInvalidTransition", err)
	}
	if err := a.Accept(stranger); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger Accept(proposed) error = %v, want ErrForbidden", err)
	}
	if p := a.Proposal(); a.Status() != StatusProposed || p == nil || !p.Date.Equal(proposed) {
		t.Errorf("got %s with proposal %+v", a.Status(), p)
	}
}

func TestNewFollowUp(t *testing.T) {
	a := newPending(t, TypeOffline)
	at := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	if _, err := NewFollowUp(a, doctor, at); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("NewFollowUp(pending) error = %v, want ErrInvalidTransition", err)
	}

	if err := a.Accept(doctor); err != nil {
		t.Fatal(err)
	}
	if err := a.Complete(doctor, &Consultation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFollowUp(a, stranger, at); !errors.Is(err, ErrForbidden) {
		t.Errorf("NewFollowUp(stranger) error = %v, want ErrForbidden", err)
	}

	f, err := NewFollowUp(a, doctor, at)
	if err != nil {
		t.Fatalf("NewFollowUp() error = %v", err)
	}
	if f.ID() == a.ID() || f.FollowUpOf() != a.ID() {
		t.Errorf("follow-up ids: id=%s of=%s", f.ID(), f.FollowUpOf())
	}
	if f.PatientID() != patient.ID || f.DoctorID() != doctor.ID || f.Type() != TypeOffline {
		t.Error("follow-up does not carry the source pair and type")
	}
	if f.Status() != StatusPending || !f.RequestedDate().Equal(at) {
		t.Errorf("follow-up = %s at %v", f.Status(), f.RequestedDate())
	}
	if ch := f.Changes(); len(ch) != 1 || ch[0].EventType != EventFollowUpScheduled {
		t.Errorf("follow-up changes = %v", ch)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	a := newPending(t, TypeOffline)
	if err := a.Propose(doctor, Proposal{Date: proposed, Location: "Clinic A", DoctorNotes: "bring results"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Confirm(patient); err != nil {
		t.Fatal(err)
	}

	rec := a.Record()
	if rec.Status != StatusConfirmed || rec.ProposedDate == nil || rec.ConfirmedDate == nil {
		t.Fatalf("Record() = %+v", rec)
	}
	if !rec.ScheduledAt.Equal(proposed) {
		t.Errorf("ScheduledAt = %v, want %v", rec.ScheduledAt, proposed)
	}

	b, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord() error = %v", err)
	}
	if b.Status() != StatusConfirmed || b.Version() != a.Version() {
		t.Errorf("rebuilt = %s v%d", b.Status(), b.Version())
	}
	if p := b.Proposal(); p == nil || p.Location != "Clinic A" || p.DoctorNotes != "bring results" {
		t.Errorf("rebuilt proposal = %+v", p)
	}
	if len(b.Changes()) != 0 {
		t.Error("rebuilt aggregate has pending changes")
	}
}

func TestFromRecordRejectsInconsistentRows(t *testing.T) {
	base := Record{ID: "a1", PatientID: patient.ID, DoctorID: doctor.ID, Type: TypeOnline, RequestedDate: requested}

	for _, status := range []Status{StatusProposed, StatusConfirmed, StatusCompleted, "archived"} {
		rec := base
		rec.Status = status
		if _, err := FromRecord(rec); err == nil {
			t.Errorf("FromRecord(%s without dates) succeeded", status)
		}
	}

	rec := base
	rec.Status = StatusCancelled
	if _, err := FromRecord(rec); err != nil {
		t.Errorf("FromRecord(cancelled) error = %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	got, err := ParseSchedule("requested_date", "2025-06-01", "10:00", paris)
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	if want := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("ParseSchedule() = %v, want %v", got, want)
	}

	for _, in := range [][2]string{{"", "10:00"}, {"2025-06-01", ""}, {"01/06/2025", "10:00"}, {"2025-06-01", "10am"}} {
		_, err := ParseSchedule("requested_date", in[0], in[1], nil)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "requested_date" {
			t.Errorf("ParseSchedule(%q, %q) error = %v", in[0], in[1], err)
		}
	}
}
