// Package negotiation runs the booking handshake between a rider and the
// captain of a ride: request, captain decision, ledger commit and the
// notifications that follow each step.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/ledger"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionAccepted  Decision = "accepted"
	DecisionRejected  Decision = "rejected"
	DecisionCancelled Decision = "cancelled"
)

// BookingOutcome is sent to both the rider and the captain after every step.
type BookingOutcome struct {
	RideID        string              `json:"rideId"`
	ReservationID string              `json:"reservationId"`
	RiderID       string              `json:"riderId"`
	CaptainID     string              `json:"captainId"`
	Decision      Decision            `json:"decision"`
	Reason        models.RejectReason `json:"reason,omitempty"`
	Occupied      int                 `json:"occupied"`
	Capacity      int                 `json:"capacity"`
}

// Ride is the part of a live session the handshake needs.
type Ride interface {
	ID() string
	CaptainID() string
	EnsureOpen() error
	Ledger() *ledger.Ledger
}

type Notifier interface {
	Notify(ctx context.Context, recipientID string, typ models.NotificationType, eventKey string, payload map[string]any) error
}

type Protocol struct {
	Notifier Notifier
	// OnOutcome pushes a realtime outcome to the connected parties.
	OnOutcome func(BookingOutcome)
	// OnOccupancy runs whenever accepted seats change.
	OnOccupancy func(rideID string, occ models.Occupancy)
	Logger      *slog.Logger
}

func (p *Protocol) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Request puts a rider's booking in front of the captain. A request that can
// never fit is refused at once with ErrCapacityExceeded.
func (p *Protocol) Request(ctx context.Context, ride Ride, req ledger.Request) (models.Reservation, error) {
	if err := ride.EnsureOpen(); err != nil {
		return models.Reservation{}, err
	}
	if req.RiderID == ride.CaptainID() {
		return models.Reservation{}, fmt.Errorf("captain cannot book own ride: %w", models.ErrInvalidRequest)
	}
	var hold ledger.Hold
	err := timed(func() (err error) {
		hold, err = ride.Ledger().Hold(ctx, req)
		return err
	})
	if errors.Is(err, models.ErrCapacityExceeded) {
		observability.BookingOutcomes.WithLabelValues(string(DecisionRejected), string(models.ReasonCapacityExceeded)).Inc()
		p.emit(BookingOutcome{
			RideID:    ride.ID(),
			RiderID:   req.RiderID,
			CaptainID: ride.CaptainID(),
			Decision:  DecisionRejected,
			Reason:    models.ReasonCapacityExceeded,
		})
		return models.Reservation{}, err
	}
	if err != nil {
		return models.Reservation{}, err
	}
	res := hold.Reservation

	if prev := hold.Superseded; prev != nil {
		p.notify(ctx, ride.CaptainID(), models.NotifyReservationCancelled, prev.ID, reservationPayload(*prev))
	}
	p.notify(ctx, ride.CaptainID(), models.NotifyBookingRequested, res.ID, reservationPayload(res))
	observability.BookingOutcomes.WithLabelValues(string(DecisionPending), "").Inc()
	p.emit(BookingOutcome{
		RideID:        ride.ID(),
		ReservationID: res.ID,
		RiderID:       res.RiderID,
		CaptainID:     ride.CaptainID(),
		Decision:      DecisionPending,
	})
	p.logger().Info("booking requested", "ride_id", ride.ID(), "reservation_id", res.ID, "rider_id", res.RiderID, "passengers", res.PassengerCount)
	return res, nil
}

// Respond applies the captain's decision. An accept against seats that were
// taken meanwhile turns into Rejected(Full) for both parties.
func (p *Protocol) Respond(ctx context.Context, ride Ride, captainID, reservationID string, accept bool) (BookingOutcome, error) {
	if captainID != ride.CaptainID() {
		return BookingOutcome{}, fmt.Errorf("respond on ride %s: %w", ride.ID(), models.ErrNotOwner)
	}
	if err := ride.EnsureOpen(); err != nil {
		return BookingOutcome{}, err
	}
	var out ledger.Outcome
	err := timed(func() (err error) {
		if accept {
			out, err = ride.Ledger().Commit(ctx, reservationID)
		} else {
			out, err = ride.Ledger().Reject(ctx, reservationID, models.ReasonCaptainRejected)
		}
		return err
	})
	if err != nil {
		return BookingOutcome{}, err
	}

	res := out.Reservation
	bo := BookingOutcome{
		RideID:        ride.ID(),
		ReservationID: res.ID,
		RiderID:       res.RiderID,
		CaptainID:     ride.CaptainID(),
		Occupied:      out.Occupancy.Occupied,
		Capacity:      out.Occupancy.Capacity,
	}
	payload := reservationPayload(res)
	payload["occupied"] = out.Occupancy.Occupied
	payload["capacity"] = out.Occupancy.Capacity

	if out.Accepted {
		bo.Decision = DecisionAccepted
		p.notify(ctx, res.RiderID, models.NotifyBookingAccepted, res.ID, payload)
		if p.OnOccupancy != nil {
			p.OnOccupancy(ride.ID(), out.Occupancy)
		}
	} else {
		bo.Decision, bo.Reason = DecisionRejected, out.Reason
		payload["reason"] = string(out.Reason)
		p.notify(ctx, res.RiderID, models.NotifyBookingRejected, res.ID, payload)
		if out.Reason == models.ReasonFull {
			p.notify(ctx, ride.CaptainID(), models.NotifyBookingRejected, res.ID, payload)
		}
	}
	observability.BookingOutcomes.WithLabelValues(string(bo.Decision), string(bo.Reason)).Inc()
	p.emit(bo)
	p.logger().Info("booking decided", "ride_id", ride.ID(), "reservation_id", res.ID, "decision", bo.Decision, "reason", bo.Reason, "occupied", bo.Occupied)
	return bo, nil
}

// CancelRider withdraws every open reservation riderID holds on the ride.
// The session itself is untouched.
func (p *Protocol) CancelRider(ctx context.Context, ride Ride, riderID string) ([]models.Reservation, models.Occupancy, error) {
	if err := ride.EnsureOpen(); err != nil {
		return nil, models.Occupancy{}, err
	}
	var (
		cancelled []models.Reservation
		occ       models.Occupancy
	)
	err := timed(func() (err error) {
		cancelled, occ, err = ride.Ledger().CancelRider(ctx, riderID)
		return err
	})
	if err != nil {
		return nil, models.Occupancy{}, err
	}
	for _, r := range cancelled {
		payload := reservationPayload(r)
		payload["occupied"] = occ.Occupied
		payload["capacity"] = occ.Capacity
		p.notify(ctx, ride.CaptainID(), models.NotifyReservationCancelled, r.ID, payload)
		observability.BookingOutcomes.WithLabelValues(string(DecisionCancelled), "").Inc()
		p.emit(BookingOutcome{
			RideID:        ride.ID(),
			ReservationID: r.ID,
			RiderID:       riderID,
			CaptainID:     ride.CaptainID(),
			Decision:      DecisionCancelled,
			Occupied:      occ.Occupied,
			Capacity:      occ.Capacity,
		})
	}
	if p.OnOccupancy != nil {
		p.OnOccupancy(ride.ID(), occ)
	}
	p.logger().Info("rider cancelled", "ride_id", ride.ID(), "rider_id", riderID, "reservations", len(cancelled), "occupied", occ.Occupied)
	return cancelled, occ, nil
}

func (p *Protocol) emit(bo BookingOutcome) {
	if p.OnOutcome != nil {
		p.OnOutcome(bo)
	}
}

// notify never fails the handshake; the ledger decision already stands.
func (p *Protocol) notify(ctx context.Context, to string, typ models.NotificationType, key string, payload map[string]any) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Notify(ctx, to, typ, key, payload); err != nil {
		p.logger().Warn("notify failed", "recipient_id", to, "type", typ, "error", err)
	}
}

func reservationPayload(r models.Reservation) map[string]any {
	return map[string]any{
		"rideId":         r.RideID,
		"reservationId":  r.ID,
		"riderId":        r.RiderID,
		"passengerCount": r.PassengerCount,
		"pickup":         r.Pickup,
		"destination":    r.Destination,
		"status":         string(r.Status),
	}
}

func timed(fn func() error) error {
	start := time.Now()
	err := fn()
	observability.LedgerOpDuration.Observe(time.Since(start).Seconds())
	return err
}
