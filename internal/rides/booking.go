package rides

import (
	"context"
	"fmt"

	"github.com/example/ride-session/internal/ledger"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/negotiation"
)

type BookingRequest struct {
	PassengerCount int
	Pickup         models.Place
	Destination    models.Place
}

// RequestBooking submits riderID's request to the ride's captain. Requests
// are taken while the ride is Planning or Active.
func (s *Service) RequestBooking(ctx context.Context, riderID, rideID string, req BookingRequest) (models.Reservation, error) {
	sess, err := s.lookup(ctx, rideID)
	if err != nil {
		return models.Reservation{}, err
	}
	res, err := s.proto.Request(ctx, sess, ledger.Request{
		RiderID:        riderID,
		PassengerCount: req.PassengerCount,
		Pickup:         req.Pickup,
		Destination:    req.Destination,
	})
	if err != nil {
		return models.Reservation{}, err
	}
	s.indexReservation(res.ID, rideID)
	return res, nil
}

// Respond applies the captain's accept or reject to a pending reservation.
func (s *Service) Respond(ctx context.Context, captainID, reservationID string, accept bool) (negotiation.BookingOutcome, error) {
	rideID, ok := s.rideOf(reservationID)
	if !ok {
		return negotiation.BookingOutcome{}, fmt.Errorf("reservation %s: %w", reservationID, models.ErrReservationNotFound)
	}
	sess, err := s.lookup(ctx, rideID)
	if err != nil {
		return negotiation.BookingOutcome{}, err
	}
	return s.proto.Respond(ctx, sess, captainID, reservationID, accept)
}

// CancelMyReservation withdraws riderID from the ride without touching the
// session's phase.
func (s *Service) CancelMyReservation(ctx context.Context, riderID, rideID string) ([]models.Reservation, models.Occupancy, error) {
	sess, err := s.lookup(ctx, rideID)
	if err != nil {
		return nil, models.Occupancy{}, err
	}
	return s.proto.CancelRider(ctx, sess, riderID)
}
