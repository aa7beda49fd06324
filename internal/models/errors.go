package models

import "errors"

var (
	ErrSessionClosed            = errors.New("session closed")
	ErrSessionNotFound          = errors.New("session not found")
	ErrCapacityExceeded         = errors.New("capacity exceeded")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationNotPending    = errors.New("reservation not pending")
	ErrStaleLocation            = errors.New("stale location")
	ErrRouteProviderUnavailable = errors.New("route provider unavailable")
	ErrInvalidTransition        = errors.New("invalid phase transition")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrNotOwner                 = errors.New("actor does not own this session")
)
