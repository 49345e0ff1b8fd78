package appointment

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no appointment or consultation matches.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks an authorization violation: wrong role, or an actor
	// who is not a party to the appointment.
	ErrForbidden = errors.New("action not permitted")

	// ErrInvalidTransition marks a transition the current status does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleState is returned when the row changed between load and save.
	ErrStaleState = errors.New("appointment was modified by someone else, reload and try again")

	// ErrIncompleteProfile blocks booking until phone and address are present.
	ErrIncompleteProfile = errors.New("please complete your profile (phone and address required) before booking an appointment")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Role Role
	From Status
	To   Status
	Err  error
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "new"
	}
	return fmt.Sprintf("%s cannot move appointment from %s to %s: %v", e.Role, from, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// ValidationError is a field-level precondition failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// ProfileError lists the profile fields that block booking.
type ProfileError struct {
	Missing []string
}

func (e *ProfileError) Error() string { return ErrIncompleteProfile.Error() }

func (e *ProfileError) Unwrap() error { return ErrIncompleteProfile }
