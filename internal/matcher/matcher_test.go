package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

var eastbound = []models.Coord{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.01}, {Lat: 0, Lng: 0.02}}

func listing(id string, route []models.Coord, occupied, capacity int) Listing {
	return Listing{
		RideID:    id,
		CaptainID: "cap-" + id,
		Route:     route,
		Occupancy: models.Occupancy{Occupied: occupied, Capacity: capacity},
	}
}

func eastQuery() Query {
	return Query{RiderID: "rider1", Pickup: models.Coord{Lat: 0.0005, Lng: 0.003}, Destination: models.Coord{Lat: 0, Lng: 0.015}, Seats: 1}
}

func next(t *testing.T, s *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return u
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	return Update{}
}

func expectNone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case u := <-s.C():
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestCompatible(t *testing.T) {
	q := eastQuery()
	if _, _, ok := Compatible(eastbound, q.Pickup, q.Destination, 200); !ok {
		t.Fatal("expected rider along the route to be compatible")
	}
	if _, _, ok := Compatible(eastbound, q.Destination, q.Pickup, 200); ok {
		t.Fatal("rider travelling against the route must not match")
	}
	far := models.Coord{Lat: 0.05, Lng: 0.003}
	if _, _, ok := Compatible(eastbound, far, q.Destination, 200); ok {
		t.Fatal("pickup far from the route must not match")
	}
}

func TestEmptyReasons(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBroadcaster(200, 2, nil)

	s, err := b.Subscribe(ctx, eastQuery())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if u := next(t, s); u.Empty != EmptyNoneRegistered {
		t.Fatalf("expected none_registered, got %+v", u)
	}

	b.Register(listing("r1", nil, 0, 3))
	if u := next(t, s); u.Empty != EmptyAwaitingRoute {
		t.Fatalf("expected awaiting_route, got %+v", u)
	}

	westbound := []models.Coord{{Lat: 0, Lng: 0.02}, {Lat: 0, Lng: 0}}
	b.UpdateRoute("r1", westbound)
	if u := next(t, s); u.Empty != EmptyNoneCompatible {
		t.Fatalf("expected none_compatible, got %+v", u)
	}
}

func TestStreamsRidesAsTheyStartAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBroadcaster(200, 2, nil)
	s, _ := b.Subscribe(ctx, eastQuery())
	next(t, s)

	b.Register(listing("r1", eastbound, 0, 3))
	u := next(t, s)
	if len(u.Candidates) != 1 || u.Candidates[0].RideID != "r1" || u.Candidates[0].SeatsAvailable != 3 {
		t.Fatalf("unexpected candidates %+v", u)
	}

	// same set again: nothing emitted
	b.Register(listing("r1", eastbound, 0, 3))
	expectNone(t, s)

	b.UpdateOccupancy("r1", models.Occupancy{Occupied: 3, Capacity: 3})
	if u := next(t, s); u.Empty != EmptyNoneCompatible {
		t.Fatalf("full ride should drop out, got %+v", u)
	}

	b.UpdateOccupancy("r1", models.Occupancy{Occupied: 1, Capacity: 3})
	if u := next(t, s); len(u.Candidates) != 1 || u.Candidates[0].SeatsAvailable != 2 {
		t.Fatalf("expected ride back with 2 seats, got %+v", u)
	}

	b.Deregister("r1")
	if u := next(t, s); u.Empty != EmptyNoneRegistered {
		t.Fatalf("expected none_registered after deregister, got %+v", u)
	}
}

func TestCaptainDoesNotMatchOwnRide(t *testing.T) {
	b := NewBroadcaster(200, 1, nil)
	b.Register(listing("r1", eastbound, 0, 3))
	q := eastQuery()
	q.RiderID = "cap-r1"
	s, _ := b.Subscribe(context.Background(), q)
	defer s.Close()
	if u := next(t, s); len(u.Candidates) != 0 {
		t.Fatalf("captain should not see own ride, got %+v", u)
	}
}

func TestCandidatesOrderedByPickupOffset(t *testing.T) {
	b := NewBroadcaster(500, 4, nil)
	shifted := []models.Coord{{Lat: 0.002, Lng: 0}, {Lat: 0.002, Lng: 0.02}}
	b.Register(listing("far", shifted, 0, 4))
	b.Register(listing("near", eastbound, 0, 4))
	s, _ := b.Subscribe(context.Background(), eastQuery())
	defer s.Close()
	u := next(t, s)
	if len(u.Candidates) != 2 || u.Candidates[0].RideID != "near" {
		t.Fatalf("unexpected order %+v", u.Candidates)
	}
}

func TestCancelledContextReleasesSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroadcaster(200, 1, nil)
	s, _ := b.Subscribe(ctx, eastQuery())
	cancel()
	for range s.C() {
	}
	deadline := time.Now().Add(time.Second)
	for b.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// further broadcasts must not panic on the closed channel
	b.Register(listing("r1", eastbound, 0, 3))
	s.Close()
}

func TestSubscribeRejectsDegenerateQuery(t *testing.T) {
	b := NewBroadcaster(200, 1, nil)
	p := models.Coord{Lat: 1, Lng: 1}
	if _, err := b.Subscribe(context.Background(), Query{Pickup: p, Destination: p}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestConcurrentRegistrations(t *testing.T) {
	b := NewBroadcaster(200, 4, nil)
	subs := make([]*Subscription, 10)
	for i := range subs {
		subs[i], _ = b.Subscribe(context.Background(), eastQuery())
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Register(listing(string(rune('a'+i)), eastbound, 0, 3))
		}(i)
	}
	wg.Wait()
	for _, s := range subs {
		var last Update
	drain:
		for {
			select {
			case last = <-s.C():
			default:
				break drain
			}
		}
		if len(last.Candidates) != 20 {
			t.Fatalf("expected final set of 20, got %d", len(last.Candidates))
		}
		s.Close()
	}
}
