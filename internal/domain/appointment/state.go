package appointment

import "time"

// State is the status-specific part of an appointment. Each status has its own
// type, so a confirmed or completed appointment always has a confirmed date and
// a proposed appointment always has a proposal.
type State interface {
	Status() Status
	isState()
}

// Proposal is the doctor's counter-offer.
type Proposal struct {
	Date        time.Time
	Location    string
	DoctorNotes string
}

// Pending awaits the doctor's response to the requested time.
type Pending struct{}

// Proposed awaits the patient's answer to a counter-offer.
type Proposed struct {
	Proposal Proposal
}

// Confirmed is agreed by both parties. Proposal is nil when the doctor
// accepted the requested time directly.
type Confirmed struct {
	ConfirmedDate time.Time
	Proposal      *Proposal
}

// Completed has a recorded consultation.
type Completed struct {
	ConfirmedDate time.Time
	Proposal      *Proposal
}

// Cancelled keeps whatever scheduling data existed when it was cancelled.
type Cancelled struct {
	Proposal      *Proposal
	ConfirmedDate *time.Time
}

func (Pending) Status() Status   { return StatusPending }
func (Proposed) Status() Status  { return StatusProposed }
func (Confirmed) Status() Status { return StatusConfirmed }
func (Completed) Status() Status { return StatusCompleted }
func (Cancelled) Status() Status { return StatusCancelled }

func (Pending) isState()   {}
func (Proposed) isState()  {}
func (Confirmed) isState() {}
func (Completed) isState() {}
func (Cancelled) isState() {}

func proposalOf(s State) *Proposal {
	switch st := s.(type) {
	case Proposed:
		p := st.Proposal
		return &p
	case Confirmed:
		return st.Proposal
	case Completed:
		return st.Proposal
	case Cancelled:
		return st.Proposal
	}
	return nil
}

func confirmedDateOf(s State) *time.Time {
	switch st := s.(type) {
	case Confirmed:
		d := st.ConfirmedDate
		return &d
	case Completed:
		d := st.ConfirmedDate
		return &d
	case Cancelled:
		return st.ConfirmedDate
	}
	return nil
}
