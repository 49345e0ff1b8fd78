package appointment

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memStore
	feed     *recordingFeed
	observer *countingObserver
	svc      *Service
}

func newFixture(missing profiles) *fixture {
	f := &fixture{
		store:    newMemStore(),
		feed:     &recordingFeed{},
		observer: newCountingObserver(),
	}
	f.svc = NewService(f.store, missing, nil,
		WithChangeFeed(f.feed),
		WithObserver(f.observer),
		WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func (f *fixture) book(t *testing.T, kind Type) *Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), patient, BookInput{
		DoctorID: doctor.ID,
		Type:     kind,
		Date:     "2025-06-01",
		Time:     "10:00",
	})
	if err != nil {
		t.Fatalf("Book() error = %v", err)
	}
	return a
}

func (f *fixture) confirmed(t *testing.T) *Appointment {
	t.Helper()
	a := f.book(t, TypeOffline)
	a, err := f.svc.Accept(context.Background(), doctor, a.ID())
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	return a
}

func TestBookRejectsIncompleteProfile(t *testing.T) {
	f := newFixture(profiles{patient.ID: {"phone", "address"}})

	_, err := f.svc.Book(context.Background(), patient, BookInput{
		DoctorID: doctor.ID,
		Type:     TypeOnline,
		Date:     "2025-06-01",
		Time:     "10:00",
	})
	if !errors.Is(err, ErrIncompleteProfile) {
		t.Fatalf("Book() error = %v, want ErrIncompleteProfile", err)
	}
	var pe *ProfileError
	if !errors.As(err, &pe) || len(pe.Missing) != 2 {
		t.Errorf("missing fields = %v", pe)
	}
	if f.store.count() != 0 {
		t.Errorf("store has %d appointments, want 0", f.store.count())
	}
	if f.observer.rejected["incomplete_profile"] != 1 {
		t.Errorf("rejections = %v", f.observer.rejected)
	}
}

func TestBookRequiresDateAndTime(t *testing.T) {
	f := newFixture(nil)

	_, err := f.svc.Book(context.Background(), patient, BookInput{DoctorID: doctor.ID, Type: TypeOnline, Date: "2025-06-01"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "requested_date" {
		t.Fatalf("Book() error = %v, want requested_date validation error", err)
	}
	if f.store.count() != 0 {
		t.Error("invalid booking was stored")
	}
}

func TestBookReadsClinicTime(t *testing.T) {
	loc := time.FixedZone("clinic", 2*60*60)
	f := newFixture(nil)
	f.svc = NewService(f.store, profiles(nil), nil, WithLocation(loc))

	a, err := f.svc.Book(context.Background(), patient, BookInput{
		DoctorID: doctor.ID,
		Type:     TypeOnline,
		Date:     "2025-06-01",
		Time:     "10:00",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC); !a.RequestedDate().Equal(want) {
		t.Errorf("RequestedDate() = %v, want %v", a.RequestedDate(), want)
	}
}

// Patient books, doctor proposes another time at a clinic, patient confirms.
func TestProposalNegotiation(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.book(t, TypeOffline)

	a, err := f.svc.Propose(ctx, doctor, a.ID(), ProposeInput{Date: "2025-06-02", Time: "14:00", Location: "Clinic A"})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if a.Status() != StatusProposed {
		t.Fatalf("Status() = %s, want proposed", a.Status())
	}

	a, err = f.svc.Confirm(ctx, patient, a.ID())
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if d := a.ConfirmedDate(); d == nil || !d.Equal(proposed) {
		t.Errorf("ConfirmedDate() = %v, want %v", d, proposed)
	}

	stored, err := f.svc.Get(ctx, patient, a.ID())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status() != StatusConfirmed || stored.Proposal().Location != "Clinic A" {
		t.Errorf("stored = %s %+v", stored.Status(), stored.Proposal())
	}

	events, err := f.svc.History(ctx, doctor, a.ID())
	if err != nil {
		t.Fatal(err)
	}
	want := []EventType{EventAppointmentRequested, EventAppointmentProposed, EventAppointmentConfirmed}
	if len(events) != len(want) {
		t.Fatalf("History() has %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.EventType != want[i] || e.Version != i+1 {
			t.Errorf("event %d = %s v%d", i, e.EventType, e.Version)
		}
	}
	if len(f.feed.changes) != 3 {
		t.Errorf("feed received %d changes, want 3", len(f.feed.changes))
	}
	if f.observer.applied["proposed>confirmed"] != 1 {
		t.Errorf("applied = %v", f.observer.applied)
	}
}

func TestAcceptConfirmsRequestedTime(t *testing.T) {
	f := newFixture(nil)
	a := f.confirmed(t)

	if d := a.ConfirmedDate(); d == nil || !d.Equal(requested) {
		t.Errorf("ConfirmedDate() = %v, want %v", d, requested)
	}
	if !a.ScheduledAt().Equal(requested) {
		t.Errorf("ScheduledAt() = %v", a.ScheduledAt())
	}
}

func TestTransitionRejections(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.book(t, TypeOnline)

	if _, err := f.svc.Accept(ctx, stranger, a.ID()); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger Accept() error = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Confirm(ctx, patient, a.ID()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Confirm(pending) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Propose(ctx, doctor, a.ID(), ProposeInput{Date: "2025-06-02", Time: "14:00", Location: "Clinic A"}); err == nil {
		t.Error("location accepted on an online appointment")
	}
	if _, err := f.svc.Get(ctx, stranger, a.ID()); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger Get() error = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Accept(ctx, doctor, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Accept(missing) error = %v, want ErrNotFound", err)
	}

	stored, _ := f.svc.Get(ctx, admin, a.ID())
	if stored.Status() != StatusPending || stored.Version() != 1 {
		t.Errorf("rejected transitions changed the appointment: %s v%d", stored.Status(), stored.Version())
	}
}

// Accepting keeps the requested time, so it must not override a proposal.
func TestPatientCannotAcceptProposal(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.book(t, TypeOffline)

	_, err := f.svc.Propose(ctx, doctor, a.ID(), ProposeInput{Date: "2025-06-02", Time: "14:00", Location: "Clinic A"})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if _, err := f.svc.Accept(ctx, patient, a.ID()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("patient Accept(proposed) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Accept(ctx, doctor, a.ID()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("doctor Accept(proposed) error = %v, want ErrInvalidTransition", err)
	}

	stored, err := f.svc.Get(ctx, patient, a.ID())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status() != StatusProposed || stored.Version() != 2 {
		t.Errorf("stored = %s v%d, want proposed v2", stored.Status(), stored.Version())
	}
	if p := stored.Proposal(); p == nil || !p.Date.Equal(proposed) || p.Location != "Clinic A" {
		t.Errorf("Proposal() = %+v", p)
	}
	if stored.ConfirmedDate() != nil {
		t.Errorf("ConfirmedDate() = %v, want nil", stored.ConfirmedDate())
	}
	if len(f.feed.changes) != 2 {
		t.Errorf("feed received %d changes, want 2", len(f.feed.changes))
	}
}

func TestUpdateCallInfo(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.confirmed(t)

	session, status := "room-42", "active"
	started := fixedNow.Add(time.Hour)
	call := CallInfo{SessionID: &session, Status: &status, StartedAt: &started}

	if _, err := f.svc.UpdateCallInfo(ctx, stranger, a.ID(), call); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger UpdateCallInfo() error = %v, want ErrForbidden", err)
	}
	updated, err := f.svc.UpdateCallInfo(ctx, patient, a.ID(), call)
	if err != nil {
		t.Fatalf("UpdateCallInfo() error = %v", err)
	}
	if updated.Call().SessionID == nil || *updated.Call().SessionID != session {
		t.Errorf("Call() = %+v", updated.Call())
	}
	stored, _ := f.store.Get(ctx, a.ID())
	if got := stored.Call(); got.Status == nil || *got.Status != status || got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("stored call = %+v", got)
	}

	if _, err := f.svc.CompleteAppointment(ctx, doctor, a.ID(), ConsultationInput{Symptoms: "cough"}); err != nil {
		t.Fatalf("CompleteAppointment() error = %v", err)
	}
	ended := "ended"
	_, err = f.svc.UpdateCallInfo(ctx, doctor, a.ID(), CallInfo{SessionID: &session, Status: &ended})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("UpdateCallInfo(completed) error = %v, want ErrInvalidTransition", err)
	}
	if err := f.store.UpdateCallInfo(ctx, a.ID(), CallInfo{Status: &ended}); !errors.Is(err, ErrStaleState) {
		t.Errorf("store UpdateCallInfo(completed) error = %v, want ErrStaleState", err)
	}
	stored, _ = f.store.Get(ctx, a.ID())
	if got := stored.Call(); got.Status == nil || *got.Status != status {
		t.Errorf("completed appointment call = %+v, want unchanged", got)
	}
}

func TestCancelIsFinal(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.confirmed(t)

	if _, err := f.svc.Cancel(ctx, patient, a.ID()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := f.svc.Cancel(ctx, doctor, a.ID()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.UpdateCallInfo(ctx, patient, a.ID(), CallInfo{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UpdateCallInfo(cancelled) error = %v, want ErrInvalidTransition", err)
	}
}

func TestSaveDetectsConcurrentChange(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.book(t, TypeOffline)

	first, _ := f.store.Get(ctx, a.ID())
	second, _ := f.store.Get(ctx, a.ID())

	if err := first.Accept(doctor); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Save(ctx, first); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	if err := second.Cancel(patient); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Save(ctx, second); !errors.Is(err, ErrStaleState) {
		t.Errorf("second Save() error = %v, want ErrStaleState", err)
	}
}

// Doctor completes a visit and asks for a follow-up.
func TestCompleteWithFollowUp(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.confirmed(t)

	res, err := f.svc.CompleteAppointment(ctx, doctor, a.ID(), ConsultationInput{
		Symptoms:     "fever",
		FollowUp:     true,
		FollowUpDate: "2025-06-10",
		FollowUpTime: "09:00",
	})
	if err != nil {
		t.Fatalf("CompleteAppointment() error = %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v", res.Warnings)
	}
	if res.Appointment.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want completed", res.Appointment.Status())
	}

	c, err := f.svc.Consultation(ctx, patient, a.ID())
	if err != nil {
		t.Fatalf("Consultation() error = %v", err)
	}
	if c.Symptoms != "fever" || c.Medicines != "" || !c.FollowUp {
		t.Errorf("consultation = %+v", c)
	}

	at := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	fu := res.FollowUp
	if fu == nil {
		t.Fatal("FollowUp is nil")
	}
	if fu.Status() != StatusPending || !fu.RequestedDate().Equal(at) || fu.FollowUpOf() != a.ID() {
		t.Errorf("follow-up = %s at %v of %s", fu.Status(), fu.RequestedDate(), fu.FollowUpOf())
	}
	if fu.PatientID() != patient.ID || fu.DoctorID() != doctor.ID {
		t.Error("follow-up pair differs from the source")
	}

	list, total, err := f.svc.List(ctx, patient, ListQuery{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || list[0].ID() != fu.ID() {
		t.Errorf("pending list = %d items, total %d", len(list), total)
	}

	ups, err := f.svc.UpcomingFollowUps(ctx, patient, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 1 || ups[0].ID != c.ID {
		t.Errorf("UpcomingFollowUps() = %v", ups)
	}

	if _, err := f.svc.CompleteAppointment(ctx, doctor, a.ID(), ConsultationInput{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second completion error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Cancel(ctx, patient, a.ID()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Cancel(completed) error = %v, want ErrInvalidTransition", err)
	}
	if f.observer.consultations != 1 {
		t.Errorf("consultations recorded = %d, want 1", f.observer.consultations)
	}
}

func TestCompleteKeepsVisitWhenFollowUpFails(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	a := f.confirmed(t)
	f.store.createErr = func(*Appointment) error { return errStoreDown }

	res, err := f.svc.CompleteAppointment(ctx, doctor, a.ID(), ConsultationInput{
		Symptoms:     "cough",
		Medicines:    "rest",
		FollowUp:     true,
		FollowUpDate: "2025-06-10",
		FollowUpTime: "09:00",
	})
	if err != nil {
		t.Fatalf("CompleteAppointment() error = %v", err)
	}
	if res.FollowUp != nil {
		t.Error("FollowUp set after a failed create")
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want one", res.Warnings)
	}
	if f.observer.followUpFailed != 1 {
		t.Errorf("followUpFailed = %d, want 1", f.observer.followUpFailed)
	}

	stored, err := f.svc.Get(ctx, doctor, a.ID())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want completed", stored.Status())
	}
	if _, err := f.svc.Consultation(ctx, doctor, a.ID()); err != nil {
		t.Errorf("Consultation() error = %v", err)
	}
	if f.store.count() != 1 {
		t.Errorf("store has %d appointments, want 1", f.store.count())
	}
}

func TestCompleteValidatesFollowUpDate(t *testing.T) {
	f := newFixture(nil)
	a := f.confirmed(t)

	_, err := f.svc.CompleteAppointment(context.Background(), doctor, a.ID(), ConsultationInput{FollowUp: true, FollowUpDate: "2025-06-10"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "follow_up_date" {
		t.Fatalf("error = %v, want follow_up_date validation error", err)
	}
	stored, _ := f.svc.Get(context.Background(), doctor, a.ID())
	if stored.Status() != StatusConfirmed {
		t.Errorf("Status() = %s, want confirmed", stored.Status())
	}
}

func TestFeedFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(nil)
	f.feed.err = errors.New("hub closed")

	a := f.book(t, TypeOnline)
	if _, err := f.svc.Cancel(context.Background(), patient, a.ID()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
}

func TestListScopesByRole(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.book(t, TypeOnline)
	f.book(t, TypeOffline)

	for _, tt := range []struct {
		actor Actor
		want  int
	}{
		{patient, 2},
		{doctor, 2},
		{stranger, 0},
		{admin, 2},
	} {
		_, total, err := f.svc.List(ctx, tt.actor, ListQuery{})
		if err != nil {
			t.Fatalf("List(%s) error = %v", tt.actor.ID, err)
		}
		if total != tt.want {
			t.Errorf("List(%s) total = %d, want %d", tt.actor.ID, total, tt.want)
		}
	}

	if _, _, err := f.svc.List(ctx, patient, ListQuery{Statuses: []Status{"archived"}}); err == nil {
		t.Error("unknown status accepted")
	}
	if _, _, err := f.svc.List(ctx, Actor{ID: "x", Role: "nurse"}, ListQuery{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("List(unknown role) error = %v, want ErrForbidden", err)
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	pending := f.book(t, TypeOffline)
	if _, err := f.svc.Propose(ctx, doctor, pending.ID(), ProposeInput{Date: "2025-06-02", Time: "14:00"}); err != nil {
		t.Fatal(err)
	}
	f.book(t, TypeOnline)
	done := f.confirmed(t)
	if _, err := f.svc.CompleteAppointment(ctx, doctor, done.ID(), ConsultationInput{}); err != nil {
		t.Fatal(err)
	}
	cancelled := f.book(t, TypeOnline)
	if _, err := f.svc.Cancel(ctx, doctor, cancelled.ID()); err != nil {
		t.Fatal(err)
	}

	d, err := f.svc.Dashboard(ctx, doctor)
	if err != nil {
		t.Fatalf("Dashboard() error = %v", err)
	}
	want := Stats{Pending: 2, Confirmed: 0, Completed: 1, Cancelled: 1}
	if d.Stats != want {
		t.Errorf("Stats = %+v, want %+v", d.Stats, want)
	}
	if len(d.Active) != 2 {
		t.Errorf("Active = %d, want 2", len(d.Active))
	}
	if len(d.FollowUps) != 0 {
		t.Errorf("FollowUps = %d, want 0", len(d.FollowUps))
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct{ limit, offset, wantLimit, wantOffset int }{
		{0, 0, defaultListLimit, 0},
		{10, 5, 10, 5},
		{1000, -3, maxListLimit, 0},
	}
	for _, tt := range tests {
		l, o := clampPage(tt.limit, tt.offset)
		if l != tt.wantLimit || o != tt.wantOffset {
			t.Errorf("clampPage(%d, %d) = %d, %d", tt.limit, tt.offset, l, o)
		}
	}
}
