// Package ledger owns the seat count of one ride. Every capacity-changing
// operation for a ride runs on that ride's own goroutine, one at a time, so two
// requests are never evaluated against the same occupied value. Ledgers of
// different rides share nothing.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-session/internal/models"
)

// Outcome is the result of a capacity decision.
type Outcome struct {
	Accepted    bool
	Reservation models.Reservation
	Occupancy   models.Occupancy
	Reason      models.RejectReason
}

// Request is a rider's ask for seats before the captain has answered.
type Request struct {
	RiderID        string
	PassengerCount int
	Pickup         models.Place
	Destination    models.Place
}

// Hold is a freshly created Pending reservation and, when the rider already
// had one pending, the reservation it replaced.
type Hold struct {
	Reservation models.Reservation
	Superseded  *models.Reservation
}

// Final is what remains when the ledger is finalized at ride completion.
type Final struct {
	Accepted []models.Reservation
	Dropped  []models.Reservation
}

type Snapshot struct {
	RideID       string
	Occupancy    models.Occupancy
	Closed       bool
	Reservations []models.Reservation
}

type Option func(*Ledger)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithIDs replaces the reservation id generator.
func WithIDs(newID func() string) Option { return func(l *Ledger) { l.newID = newID } }

type Ledger struct {
	rideID   string
	ops      chan func(*state)
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	now      func() time.Time
	newID    func() string

	st state // touched only by run
}

type state struct {
	capacity     int
	occupied     int
	closed       bool
	reservations map[string]*models.Reservation
	order        []string
}

// New starts the ledger goroutine for rideID. Call Stop when the session is torn down.
func New(rideID string, capacity int, opts ...Option) (*Ledger, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ledger capacity %d: %w", capacity, models.ErrInvalidRequest)
	}
	l := &Ledger{
		rideID:  rideID,
		ops:     make(chan func(*state)),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
		newID:   uuid.NewString,
		st: state{
			capacity:     capacity,
			reservations: make(map[string]*models.Reservation),
		},
	}
	for _, o := range opts {
		o(l)
	}
	go l.run()
	return l, nil
}

func (l *Ledger) RideID() string { return l.rideID }

func (l *Ledger) run() {
	defer close(l.stopped)
	for {
		select {
		case op := <-l.ops:
			op(&l.st)
		case <-l.stop:
			return
		}
	}
}

// Stop ends the ledger goroutine. Later calls fail with ErrSessionClosed.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.stopped
}

// do hands fn to the ledger goroutine and waits for it to finish. Once fn has
// been accepted it always runs to completion, even if ctx ends meanwhile.
func (l *Ledger) do(ctx context.Context, fn func(*state)) error {
	done := make(chan struct{})
	op := func(st *state) {
		defer close(done)
		fn(st)
	}
	select {
	case l.ops <- op:
	case <-l.stopped:
		return models.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// TryReserve reserves seats without captain involvement. Requests either fit
// entirely or are rejected; nothing is partially filled.
func (l *Ledger) TryReserve(ctx context.Context, riderID string, passengerCount int) (Outcome, error) {
	if riderID == "" || passengerCount <= 0 {
		return Outcome{}, fmt.Errorf("reserve %d seats: %w", passengerCount, models.ErrInvalidRequest)
	}
	var out Outcome
	var opErr error
	err := l.do(ctx, func(st *state) {
		if st.closed {
			opErr = models.ErrSessionClosed
			return
		}
		out.Occupancy = st.occupancy()
		if passengerCount > st.capacity {
			out.Reason = models.ReasonCapacityExceeded
			return
		}
		if st.occupied+passengerCount > st.capacity {
			out.Reason = models.ReasonFull
			return
		}
		now := l.now()
		r := &models.Reservation{
			ID:             l.newID(),
			RideID:         l.rideID,
			RiderID:        riderID,
			PassengerCount: passengerCount,
			Status:         models.ReservationAccepted,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		st.add(r)
		st.occupied += passengerCount
		out = Outcome{Accepted: true, Reservation: *r, Occupancy: st.occupancy()}
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, opErr
}

// Hold records a Pending reservation awaiting the captain. A rider has at most
// one pending reservation per ride: an earlier one is cancelled and returned
// as Superseded.
func (l *Ledger) Hold(ctx context.Context, req Request) (Hold, error) {
	if req.RiderID == "" || req.PassengerCount <= 0 {
		return Hold{}, fmt.Errorf("hold %d seats: %w", req.PassengerCount, models.ErrInvalidRequest)
	}
	var h Hold
	var opErr error
	err := l.do(ctx, func(st *state) {
		if st.closed {
			opErr = models.ErrSessionClosed
			return
		}
		if req.PassengerCount > st.capacity {
			opErr = fmt.Errorf("%d passengers on %d seats: %w", req.PassengerCount, st.capacity, models.ErrCapacityExceeded)
			return
		}
		now := l.now()
		for _, id := range st.order {
			prev := st.reservations[id]
			if prev.RiderID == req.RiderID && prev.Status == models.ReservationPending {
				prev.Status = models.ReservationCancelled
				prev.UpdatedAt = now
				cp := *prev
				h.Superseded = &cp
				break
			}
		}
		r := &models.Reservation{
			ID:             l.newID(),
			RideID:         l.rideID,
			RiderID:        req.RiderID,
			PassengerCount: req.PassengerCount,
			Pickup:         req.Pickup,
			Destination:    req.Destination,
			Status:         models.ReservationPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		st.add(r)
		h.Reservation = *r
	})
	if err != nil {
		return Hold{}, err
	}
	return h, opErr
}

// Commit evaluates a pending reservation against the current occupancy. When
// the seats were taken meanwhile the reservation is Rejected(Full).
func (l *Ledger) Commit(ctx context.Context, reservationID string) (Outcome, error) {
	var out Outcome
	var opErr error
	err := l.do(ctx, func(st *state) {
		r, err := st.pending(reservationID)
		if err != nil {
			opErr = err
			return
		}
		r.UpdatedAt = l.now()
		if st.occupied+r.PassengerCount > st.capacity {
			r.Status = models.ReservationRejected
			r.Reason = models.ReasonFull
			out = Outcome{Reservation: *r, Occupancy: st.occupancy(), Reason: models.ReasonFull}
			return
		}
		r.Status = models.ReservationAccepted
		st.occupied += r.PassengerCount
		out = Outcome{Accepted: true, Reservation: *r, Occupancy: st.occupancy()}
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, opErr
}

// Reject marks a pending reservation Rejected without touching occupancy.
func (l *Ledger) Reject(ctx context.Context, reservationID string, reason models.RejectReason) (Outcome, error) {
	var out Outcome
	var opErr error
	err := l.do(ctx, func(st *state) {
		r, err := st.pending(reservationID)
		if err != nil {
			opErr = err
			return
		}
		r.Status = models.ReservationRejected
		r.Reason = reason
		r.UpdatedAt = l.now()
		out = Outcome{Reservation: *r, Occupancy: st.occupancy(), Reason: reason}
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, opErr
}

// Cancel releases a reservation. Cancelling a reservation that is already
// Cancelled or Rejected changes nothing and reports changed=false.
func (l *Ledger) Cancel(ctx context.Context, reservationID string) (res models.Reservation, changed bool, err error) {
	var opErr error
	err = l.do(ctx, func(st *state) {
		r, ok := st.reservations[reservationID]
		if !ok {
			opErr = models.ErrReservationNotFound
			return
		}
		if r.Status == models.ReservationCancelled || r.Status == models.ReservationRejected {
			res = *r
			return
		}
		if st.closed {
			opErr = models.ErrSessionClosed
			return
		}
		st.release(r, l.now())
		res, changed = *r, true
	})
	if err != nil {
		return models.Reservation{}, false, err
	}
	return res, changed, opErr
}

// CancelRider cancels every Pending or Accepted reservation riderID holds.
func (l *Ledger) CancelRider(ctx context.Context, riderID string) ([]models.Reservation, models.Occupancy, error) {
	var out []models.Reservation
	var occ models.Occupancy
	var opErr error
	err := l.do(ctx, func(st *state) {
		if st.closed {
			opErr = models.ErrSessionClosed
			return
		}
		now := l.now()
		for _, id := range st.order {
			r := st.reservations[id]
			if r.RiderID != riderID || !r.Open() {
				continue
			}
			st.release(r, now)
			out = append(out, *r)
		}
		if len(out) == 0 {
			opErr = models.ErrReservationNotFound
		}
		occ = st.occupancy()
	})
	if err != nil {
		return nil, models.Occupancy{}, err
	}
	return out, occ, opErr
}

// CancelAll cancels every open reservation, releases all seats and closes the
// ledger. It backs captain-initiated cancellation of the whole session.
func (l *Ledger) CancelAll(ctx context.Context) ([]models.Reservation, error) {
	var out []models.Reservation
	var opErr error
	err := l.do(ctx, func(st *state) {
		if st.closed {
			opErr = models.ErrSessionClosed
			return
		}
		now := l.now()
		for _, id := range st.order {
			r := st.reservations[id]
			if !r.Open() {
				continue
			}
			st.release(r, now)
			out = append(out, *r)
		}
		st.closed = true
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// Finalize makes the ledger read-only at ride completion. Pending requests
// nobody answered are dropped as Cancelled.
func (l *Ledger) Finalize(ctx context.Context) (Final, error) {
	var out Final
	var opErr error
	err := l.do(ctx, func(st *state) {
		if st.closed {
			opErr = models.ErrSessionClosed
			return
		}
		now := l.now()
		for _, id := range st.order {
			r := st.reservations[id]
			switch r.Status {
			case models.ReservationAccepted:
				out.Accepted = append(out.Accepted, *r)
			case models.ReservationPending:
				st.release(r, now)
				out.Dropped = append(out.Dropped, *r)
			}
		}
		st.closed = true
	})
	if err != nil {
		return Final{}, err
	}
	return out, opErr
}

func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := l.do(ctx, func(st *state) {
		s = Snapshot{RideID: l.rideID, Occupancy: st.occupancy(), Closed: st.closed}
		s.Reservations = make([]models.Reservation, 0, len(st.order))
		for _, id := range st.order {
			s.Reservations = append(s.Reservations, *st.reservations[id])
		}
	})
	return s, err
}

func (l *Ledger) Get(ctx context.Context, reservationID string) (models.Reservation, error) {
	var r models.Reservation
	var opErr error
	err := l.do(ctx, func(st *state) {
		got, ok := st.reservations[reservationID]
		if !ok {
			opErr = models.ErrReservationNotFound
			return
		}
		r = *got
	})
	if err != nil {
		return models.Reservation{}, err
	}
	return r, opErr
}

func (st *state) occupancy() models.Occupancy {
	return models.Occupancy{Occupied: st.occupied, Capacity: st.capacity}
}

func (st *state) add(r *models.Reservation) {
	st.reservations[r.ID] = r
	st.order = append(st.order, r.ID)
}

func (st *state) pending(id string) (*models.Reservation, error) {
	r, ok := st.reservations[id]
	if !ok {
		return nil, models.ErrReservationNotFound
	}
	if st.closed {
		return nil, models.ErrSessionClosed
	}
	if r.Status != models.ReservationPending {
		return nil, fmt.Errorf("reservation %s is %s: %w", id, r.Status, models.ErrReservationNotPending)
	}
	return r, nil
}

func (st *state) release(r *models.Reservation, now time.Time) {
	if r.Status == models.ReservationAccepted {
		st.occupied -= r.PassengerCount
	}
	r.Status = models.ReservationCancelled
	r.UpdatedAt = now
}
