package errors

import "errors"

var (
	ErrAppointmentNotFound      = errors.New("appointment not found")
	ErrInvalidBookingRequest    = errors.New("invalid booking request")
	ErrSlotInPast               = errors.New("appointment slot must be in the future")
	ErrInvalidStatusTransition  = errors.New("appointment status transition not allowed")
	ErrAlreadyCancelled         = errors.New("appointment is already cancelled")
	ErrSagaVersionConflict      = errors.New("saga state version conflict")
	ErrUnexpectedSagaEvent      = errors.New("event not valid for current saga state")
	ErrIdempotencyConflict      = errors.New("event id reused with different payload")
	ErrRepositoryInvariantBroke = errors.New("repository invariant violated")
)
