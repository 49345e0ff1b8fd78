package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store. Reads return fresh aggregates rebuilt from
// stored records, as the database does.
type memStore struct {
	mu            sync.Mutex
	records       map[string]Record
	events        map[string][]*Event
	consultations map[string]*Consultation

	createErr func(a *Appointment) error
}

func newMemStore() *memStore {
	return &memStore{
		records:       make(map[string]Record),
		events:        make(map[string][]*Event),
		consultations: make(map[string]*Consultation),
	}
}

func (m *memStore) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		if err := m.createErr(a); err != nil {
			return err
		}
	}
	m.records[a.ID()] = a.Record()
	m.events[a.ID()] = append(m.events[a.ID()], a.Changes()...)
	a.ClearChanges()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return FromRecord(rec)
}

func (m *memStore) saveLocked(a *Appointment) error {
	stored, ok := m.records[a.ID()]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != a.Version()-len(a.Changes()) {
		return ErrStaleState
	}
	m.records[a.ID()] = a.Record()
	m.events[a.ID()] = append(m.events[a.ID()], a.Changes()...)
	a.ClearChanges()
	return nil
}

func (m *memStore) Save(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(a)
}

func (m *memStore) Complete(_ context.Context, a *Appointment, c *Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consultations[c.AppointmentID]; ok {
		return ErrStaleState
	}
	if err := m.saveLocked(a); err != nil {
		return err
	}
	m.consultations[c.AppointmentID] = c
	return nil
}

func matches(rec Record, f ListFilter) bool {
	if f.PatientID != "" && rec.PatientID != f.PatientID {
		return false
	}
	if f.DoctorID != "" && rec.DoctorID != f.DoctorID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if rec.Status == s {
			return true
		}
	}
	return false
}

func (m *memStore) List(_ context.Context, f ListFilter) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []Record
	for _, rec := range m.records {
		if matches(rec, f) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ScheduledAt.Before(recs[j].ScheduledAt) })

	total := len(recs)
	if f.Offset < len(recs) {
		recs = recs[f.Offset:]
	} else {
		recs = nil
	}
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}

	out := make([]*Appointment, 0, len(recs))
	for _, rec := range recs {
		a, err := FromRecord(rec)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, nil
}

func (m *memStore) CountByStatus(_ context.Context, f ListFilter) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int)
	for _, rec := range m.records {
		if matches(rec, f) {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (m *memStore) Events(_ context.Context, id string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events[id]...), nil
}

func (m *memStore) Consultation(_ context.Context, id string) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consultations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *memStore) filterConsultations(f ConsultationFilter, keep func(*Consultation) bool) []*Consultation {
	var out []*Consultation
	for _, c := range m.consultations {
		if f.PatientID != "" && c.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != "" && c.DoctorID != f.DoctorID {
			continue
		}
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (m *memStore) ListConsultations(_ context.Context, f ConsultationFilter) ([]*Consultation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterConsultations(f, func(*Consultation) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *memStore) UpcomingFollowUps(_ context.Context, f ConsultationFilter, from time.Time) ([]*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterConsultations(f, func(c *Consultation) bool {
		return c.FollowUp && c.FollowUpDate != nil && !c.FollowUpDate.Before(from)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FollowUpDate.Before(*out[j].FollowUpDate) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) UpdateCallInfo(_ context.Context, id string, call CallInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrStaleState
	}
	rec.CallInfo = call
	m.records[id] = rec
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// profiles maps patient id to missing fields. Unknown patients are complete.
type profiles map[string][]string

func (p profiles) MissingPatientFields(_ context.Context, id string) ([]string, error) {
	return p[id], nil
}

type recordingFeed struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (f *recordingFeed) AppointmentChanged(_ context.Context, c Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
	return f.err
}

type countingObserver struct {
	applied        map[string]int
	rejected       map[string]int
	consultations  int
	followUpFailed int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{applied: map[string]int{}, rejected: map[string]int{}}
}

func (o *countingObserver) TransitionApplied(from, to string) { o.applied[from+">"+to]++ }
func (o *countingObserver) TransitionRejected(reason string)  { o.rejected[reason]++ }
func (o *countingObserver) ConsultationRecorded(bool)         { o.consultations++ }
func (o *countingObserver) FollowUpFailed()                   { o.followUpFailed++ }

var errStoreDown = errors.New("store unavailable")
