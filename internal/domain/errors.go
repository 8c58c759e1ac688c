package domain

import "errors"

var (
	// ErrNotMember means the membership oracle does not list the room for the user.
	ErrNotMember = errors.New("not a member of this chapter")
	// ErrMembershipUnavailable means the oracle failed, timed out or answered
	// ambiguously. Callers must treat it as a denial.
	ErrMembershipUnavailable = errors.New("membership check failed")
	// ErrNotJoined means a send arrived on a connection with no joined room.
	ErrNotJoined = errors.New("not joined to a chapter")
	// ErrIdentityMismatch means the claimed sender or room differs from the
	// identity authorized for the connection.
	ErrIdentityMismatch = errors.New("sender does not match the authorized identity")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports a missing or malformed field by its wire name.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return e.Field + " required"
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsAuthorization reports whether err must be surfaced as a denial.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrMembershipUnavailable) ||
		errors.Is(err, ErrIdentityMismatch) ||
		errors.Is(err, ErrNotJoined)
}

// PublicReason returns the message safe to show a client for err.
func PublicReason(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, ErrNotMember):
		return ErrNotMember.Error()
	case errors.Is(err, ErrMembershipUnavailable):
		return ErrMembershipUnavailable.Error()
	case errors.Is(err, ErrIdentityMismatch):
		return ErrIdentityMismatch.Error()
	case errors.Is(err, ErrNotJoined):
		return ErrNotJoined.Error()
	default:
		return "internal server error"
	}
}
