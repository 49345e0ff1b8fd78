// Package appointment implements the appointment negotiation workflow between a
// patient and a doctor: booking, proposals, confirmation, cancellation and the
// recording of the consultation that completes a visit.
package appointment

// Status represents appointment status
type Status string

const (
	// StatusNone is the "from" side of the creation edge.
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusProposed  Status = "proposed"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the persisted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProposed, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the appointment still awaits the visit.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProposed || s == StatusConfirmed
}

// Role is the actor's role as supplied by the identity provider.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor || r == RoleAdmin
}

// Type is the visit modality.
type Type string

const (
	TypeOnline  Type = "online"
	TypeOffline Type = "offline"
)

// Valid reports whether t is a known visit type.
func (t Type) Valid() bool {
	return t == TypeOnline || t == TypeOffline
}

// Actor identifies who is performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type edge struct {
	from Status
	to   Status
}

// transitions is the complete rule table. Any (role, from, to) not listed is
// rejected.
var transitions = map[edge][]Role{
	{StatusNone, StatusPending}:        {RolePatient},
	{StatusPending, StatusProposed}:    {RoleDoctor},
	{StatusPending, StatusConfirmed}:   {RoleDoctor},
	{StatusPending, StatusCancelled}:   {RolePatient, RoleDoctor},
	{StatusProposed, StatusConfirmed}:  {RolePatient},
	{StatusProposed, StatusCancelled}:  {RolePatient, RoleDoctor},
	{StatusConfirmed, StatusCompleted}: {RoleDoctor},
	{StatusConfirmed, StatusCancelled}: {RolePatient, RoleDoctor},
}

// CanTransition reports whether role may move an appointment from one status
// to another.
func CanTransition(role Role, from, to Status) bool {
	for _, r := range transitions[edge{from, to}] {
		if r == role {
			return true
		}
	}
	return false
}

// edgeExists reports whether any role may take the edge.
func edgeExists(from, to Status) bool {
	return len(transitions[edge{from, to}]) > 0
}
