package scenario

import "errors"

// Error kinds surfaced by the scenario engine. Callers classify with errors.Is
// or Classify; wrapped errors carry the operation context.
var (
	ErrNotFound     = errors.New("scenario: not found")
	ErrInvalidSlot  = errors.New("scenario: invalid message slot")
	ErrParseFailure = errors.New("scenario: invalid time offset")
	ErrPersistence  = errors.New("scenario: persistence failure")
	ErrTransport    = errors.New("scenario: transport failure")
	ErrStaleBooking = errors.New("scenario: stale booking")
	ErrConflict     = errors.New("scenario: revision conflict")
	ErrMalformed    = errors.New("scenario: malformed document")
)

// Class names an error kind for callers that must phrase a reply without
// inspecting internals.
type Class string

const (
	ClassNone         Class = ""
	ClassNotFound     Class = "not_found"
	ClassInvalidSlot  Class = "invalid_slot"
	ClassParseFailure Class = "parse_failure"
	ClassPersistence  Class = "persistence_error"
	ClassTransport    Class = "transport_error"
	ClassStaleBooking Class = "stale_booking"
	ClassConflict     Class = "conflict"
	ClassMalformed    Class = "malformed_document"
	ClassInternal     Class = "internal"
)

// Classify maps err to its class. Unknown non-nil errors map to ClassInternal.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInvalidSlot):
		return ClassInvalidSlot
	case errors.Is(err, ErrParseFailure):
		return ClassParseFailure
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrMalformed):
		return ClassMalformed
	case errors.Is(err, ErrPersistence):
		return ClassPersistence
	case errors.Is(err, ErrTransport):
		return ClassTransport
	case errors.Is(err, ErrStaleBooking):
		return ClassStaleBooking
	default:
		return ClassInternal
	}
}
