package model

import (
	"errors"
	"fmt"
	"time"
)

// Store contract errors. Every store implementation returns (or wraps) these
// so callers can branch with errors.Is.
var (
	// ErrDuplicateID is returned when inserting an (organization, id) pair
	// that already exists.
	ErrDuplicateID = errors.New("duplicate event id")

	// ErrNotFound is returned when updating or deleting an id that does not
	// exist, or deleting one that is already deleted.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidState is returned when updating a soft-deleted event.
	ErrInvalidState = errors.New("event is deleted")

	// ErrInvalidRange is returned by ranged queries whose start is after end.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrTenantMismatch is returned when an event's organization differs from
	// the organization the call is scoped to.
	ErrTenantMismatch = errors.New("organization mismatch")

	// ErrRemoteUnavailable marks a transient remote failure. It carries no
	// information about partial writes: treat the operation as not applied.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrNilEvent is returned when a write is given no event.
	ErrNilEvent = errors.New("nil event")
)

// ValidateRange returns ErrInvalidRange when start is after end.
func ValidateRange(start, end time.Time) error {
	if start.After(end) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}

// CheckTenant returns ErrTenantMismatch when ev does not belong to orgID, and
// ErrNilEvent when there is no event at all.
func CheckTenant(orgID string, ev *Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	if ev.OrganizationID != orgID {
		return fmt.Errorf("%w: event %q belongs to %q, call scoped to %q",
			ErrTenantMismatch, ev.ID, ev.OrganizationID, orgID)
	}
	return nil
}

// IsContractError reports whether err is one of the store contract errors
// rather than a transport failure.
func IsContractError(err error) bool {
	return errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrTenantMismatch)
}
