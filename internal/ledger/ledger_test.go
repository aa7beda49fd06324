package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-session/internal/models"
)

func newLedger(t *testing.T, capacity int) *Ledger {
	t.Helper()
	l, err := New("ride1", capacity)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

// assertInvariant checks 0 <= occupied <= capacity and occupied == sum of Accepted seats.
func assertInvariant(t *testing.T, l *Ledger) Snapshot {
	t.Helper()
	s, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sum := 0
	for _, r := range s.Reservations {
		if r.Status == models.ReservationAccepted {
			sum += r.PassengerCount
		}
	}
	if s.Occupancy.Occupied < 0 || s.Occupancy.Occupied > s.Occupancy.Capacity {
		t.Fatalf("occupied %d outside [0,%d]", s.Occupancy.Occupied, s.Occupancy.Capacity)
	}
	if sum != s.Occupancy.Occupied {
		t.Fatalf("occupied %d but accepted seats sum to %d", s.Occupancy.Occupied, sum)
	}
	return s
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := New("ride1", 0); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestConcurrentReserveTwoByTwoOnThreeSeats(t *testing.T) {
	l := newLedger(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	outs := make(chan Outcome, 2)
	for _, rider := range []string{"r1", "r2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := l.TryReserve(ctx, id, 2)
			if err != nil {
				t.Errorf("reserve %s: %v", id, err)
				return
			}
			outs <- out
		}(rider)
	}
	wg.Wait()
	close(outs)

	accepted, full := 0, 0
	for o := range outs {
		switch {
		case o.Accepted:
			accepted++
		case o.Reason == models.ReasonFull:
			full++
		default:
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
	if accepted != 1 || full != 1 {
		t.Fatalf("expected 1 accepted and 1 full, got %d/%d", accepted, full)
	}
	if s := assertInvariant(t, l); s.Occupancy.Occupied != 2 {
		t.Fatalf("expected occupied 2, got %d", s.Occupancy.Occupied)
	}
}

func TestConcurrentReserveNeverOverbooks(t *testing.T) {
	const capacity = 7
	l := newLedger(t, capacity)
	ctx := context.Background()

	const attempts = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	acceptedSeats := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := i%3 + 1
			out, err := l.TryReserve(ctx, fmt.Sprintf("r%d", i), n)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if out.Accepted {
				mu.Lock()
				acceptedSeats += n
				mu.Unlock()
			} else if out.Reason != models.ReasonFull {
				t.Errorf("unexpected reason %q", out.Reason)
			}
		}(i)
	}
	wg.Wait()

	s := assertInvariant(t, l)
	if acceptedSeats != s.Occupancy.Occupied {
		t.Fatalf("callers saw %d accepted seats, ledger holds %d", acceptedSeats, s.Occupancy.Occupied)
	}
	if s.Occupancy.Occupied > capacity {
		t.Fatalf("overbooked: %d > %d", s.Occupancy.Occupied, capacity)
	}
}

func TestOversizedRequestNeverPartiallyFills(t *testing.T) {
	l := newLedger(t, 3)
	out, err := l.TryReserve(context.Background(), "r1", 4)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if out.Accepted || out.Reason != models.ReasonCapacityExceeded {
		t.Fatalf("expected CapacityExceeded rejection, got %+v", out)
	}
	if s := assertInvariant(t, l); s.Occupancy.Occupied != 0 || len(s.Reservations) != 0 {
		t.Fatalf("expected untouched ledger, got %+v", s)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	l := newLedger(t, 4)
	ctx := context.Background()
	out, err := l.TryReserve(ctx, "r1", 2)
	if err != nil || !out.Accepted {
		t.Fatalf("reserve: %+v %v", out, err)
	}

	first, changed, err := l.Cancel(ctx, out.Reservation.ID)
	if err != nil || !changed {
		t.Fatalf("first cancel: changed=%v err=%v", changed, err)
	}
	afterFirst := assertInvariant(t, l)

	second, changed, err := l.Cancel(ctx, out.Reservation.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if changed {
		t.Fatalf("second cancel must be a no-op")
	}
	afterSecond := assertInvariant(t, l)

	if first.Status != models.ReservationCancelled || second.Status != models.ReservationCancelled {
		t.Fatalf("expected cancelled, got %s/%s", first.Status, second.Status)
	}
	if afterFirst.Occupancy != afterSecond.Occupancy || afterSecond.Occupancy.Occupied != 0 {
		t.Fatalf("occupancy changed on repeat cancel: %+v -> %+v", afterFirst.Occupancy, afterSecond.Occupancy)
	}
}

func TestCancelUnknownReservation(t *testing.T) {
	l := newLedger(t, 2)
	if _, _, err := l.Cancel(context.Background(), "nope"); !errors.Is(err, models.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestHoldSupersedesEarlierPending(t *testing.T) {
	l := newLedger(t, 4)
	ctx := context.Background()
	first, err := l.Hold(ctx, Request{RiderID: "r1", PassengerCount: 1})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if first.Superseded != nil {
		t.Fatalf("nothing to supersede yet")
	}
	second, err := l.Hold(ctx, Request{RiderID: "r1", PassengerCount: 2})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if second.Superseded == nil || second.Superseded.ID != first.Reservation.ID {
		t.Fatalf("expected first hold superseded, got %+v", second.Superseded)
	}

	s := assertInvariant(t, l)
	pending := 0
	for _, r := range s.Reservations {
		if r.RiderID == "r1" && r.Status == models.ReservationPending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected exactly one pending reservation, got %d", pending)
	}
	if _, err := l.Commit(ctx, first.Reservation.ID); !errors.Is(err, models.ErrReservationNotPending) {
		t.Fatalf("committing superseded hold: expected ErrReservationNotPending, got %v", err)
	}
}

func TestHoldRefusesMoreThanCapacity(t *testing.T) {
	l := newLedger(t, 2)
	if _, err := l.Hold(context.Background(), Request{RiderID: "r1", PassengerCount: 3}); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestCommitAgainstConsumedCapacityIsRejectedFull(t *testing.T) {
	l := newLedger(t, 3)
	ctx := context.Background()
	a, _ := l.Hold(ctx, Request{RiderID: "a", PassengerCount: 2})
	b, _ := l.Hold(ctx, Request{RiderID: "b", PassengerCount: 2})

	out, err := l.Commit(ctx, a.Reservation.ID)
	if err != nil || !out.Accepted {
		t.Fatalf("commit a: %+v %v", out, err)
	}
	out, err = l.Commit(ctx, b.Reservation.ID)
	if err != nil {
		t.Fatalf("commit b: %v", err)
	}
	if out.Accepted || out.Reason != models.ReasonFull || out.Reservation.Status != models.ReservationRejected {
		t.Fatalf("expected Rejected(Full), got %+v", out)
	}
	if s := assertInvariant(t, l); s.Occupancy.Occupied != 2 {
		t.Fatalf("expected occupied 2, got %d", s.Occupancy.Occupied)
	}
}

func TestConcurrentCommitsRespectCapacity(t *testing.T) {
	l := newLedger(t, 5)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 10; i++ {
		h, err := l.Hold(ctx, Request{RiderID: fmt.Sprintf("r%d", i), PassengerCount: 2})
		if err != nil {
			t.Fatalf("hold: %v", err)
		}
		ids = append(ids, h.Reservation.ID)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := l.Commit(ctx, id); err != nil {
				t.Errorf("commit: %v", err)
			}
		}(id)
	}
	wg.Wait()
	if s := assertInvariant(t, l); s.Occupancy.Occupied != 4 {
		t.Fatalf("expected two 2-seat reservations accepted, occupied=%d", s.Occupancy.Occupied)
	}
}

func TestRejectLeavesOccupancy(t *testing.T) {
	l := newLedger(t, 3)
	ctx := context.Background()
	h, _ := l.Hold(ctx, Request{RiderID: "r1", PassengerCount: 1})
	out, err := l.Reject(ctx, h.Reservation.ID, models.ReasonCaptainRejected)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.Reservation.Status != models.ReservationRejected || out.Reason != models.ReasonCaptainRejected {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if s := assertInvariant(t, l); s.Occupancy.Occupied != 0 {
		t.Fatalf("reject must not touch occupancy")
	}
}

func TestCancelRiderReleasesSeats(t *testing.T) {
	l := newLedger(t, 2)
	ctx := context.Background()
	out, _ := l.TryReserve(ctx, "r1", 2)
	if !out.Accepted {
		t.Fatalf("reserve failed: %+v", out)
	}
	cancelled, occ, err := l.CancelRider(ctx, "r1")
	if err != nil {
		t.Fatalf("cancel rider: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].Status != models.ReservationCancelled {
		t.Fatalf("unexpected cancelled set %+v", cancelled)
	}
	if occ.Occupied != 0 {
		t.Fatalf("expected occupied 0, got %d", occ.Occupied)
	}
	if _, _, err := l.CancelRider(ctx, "r1"); !errors.Is(err, models.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound on second cancel, got %v", err)
	}
	assertInvariant(t, l)
}

func TestCancelAllClosesLedger(t *testing.T) {
	l := newLedger(t, 4)
	ctx := context.Background()
	l.TryReserve(ctx, "r1", 1)
	l.Hold(ctx, Request{RiderID: "r2", PassengerCount: 1})

	cancelled, err := l.CancelAll(ctx)
	if err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected 2 cancelled, got %d", len(cancelled))
	}
	s := assertInvariant(t, l)
	if !s.Closed || s.Occupancy.Occupied != 0 {
		t.Fatalf("expected closed empty ledger, got %+v", s)
	}
	if _, err := l.TryReserve(ctx, "r3", 1); !errors.Is(err, models.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestFinalizeIsReadOnly(t *testing.T) {
	l := newLedger(t, 4)
	ctx := context.Background()
	acc, _ := l.TryReserve(ctx, "r1", 2)
	l.Hold(ctx, Request{RiderID: "r2", PassengerCount: 1})

	final, err := l.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(final.Accepted) != 1 || final.Accepted[0].ID != acc.Reservation.ID {
		t.Fatalf("unexpected accepted set %+v", final.Accepted)
	}
	if len(final.Dropped) != 1 {
		t.Fatalf("expected the unanswered hold dropped, got %+v", final.Dropped)
	}
	if _, _, err := l.Cancel(ctx, acc.Reservation.ID); !errors.Is(err, models.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := l.Finalize(ctx); !errors.Is(err, models.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on second finalize, got %v", err)
	}
	if s := assertInvariant(t, l); s.Occupancy.Occupied != 2 {
		t.Fatalf("finalize must keep accepted seats, got %d", s.Occupancy.Occupied)
	}
}

func TestStoppedLedgerReportsClosed(t *testing.T) {
	l, err := New("ride1", 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Stop()
	l.Stop()
	if _, err := l.Snapshot(context.Background()); !errors.Is(err, models.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
