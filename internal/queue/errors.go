package queue

import (
	"errors"

	"rankqueue-backend/internal/geo"
)

// Validation errors: the client can fix these, the coordinator never retries them.
var (
	ErrInvalidCoordinate = geo.ErrInvalidCoordinate
	ErrOutOfRange        = errors.New("outside zone radius")
	ErrZoneClosed        = errors.New("zone is inactive or outside operating hours")
	ErrStaleLocation     = errors.New("location fix is older than the last accepted one")
)

// Authorization errors: usually a stale client view, resync with a snapshot.
var (
	ErrNotAuthorized     = errors.New("not authorized for this queue action")
	ErrWrongPosition     = errors.New("entry is not at the required position")
	ErrInvalidTransition = errors.New("entry status does not allow this action")
)

// Concurrency errors: expected under races, callers treat them as no-ops.
var (
	ErrAlreadyQueued   = errors.New("driver already holds an active entry in this zone")
	ErrAlreadyTerminal = errors.New("entry has already reached a terminal status")
)

// Lookup errors
var (
	ErrZoneNotFound   = errors.New("loading zone not found")
	ErrNotInQueue     = errors.New("driver has no active entry in this zone")
	ErrEntryNotFound  = errors.New("queue entry not found")
	ErrSequenceExists = errors.New("event sequence already taken by a different event")
)

// ErrPersistence is returned when the event log stays unavailable after bounded retries.
var ErrPersistence = errors.New("queue persistence unavailable")

// ErrClosed is returned for commands submitted after the coordinator shut down.
var ErrClosed = errors.New("queue coordinator closed")

// ErrorCode maps a queue error to a stable machine-readable code for clients
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCoordinate):
		return "invalid_coordinate"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrZoneClosed):
		return "zone_closed"
	case errors.Is(err, ErrStaleLocation):
		return "stale_location"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrWrongPosition):
		return "wrong_position"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrNotInQueue):
		return "not_in_queue"
	case errors.Is(err, ErrZoneNotFound):
		return "zone_not_found"
	case errors.Is(err, ErrEntryNotFound):
		return "entry_not_found"
	case errors.Is(err, ErrPersistence):
		return "persistence_unavailable"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "internal"
}
