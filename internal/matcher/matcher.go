// Package matcher keeps live route searches for riders and streams the set of
// active rides whose captain route passes near both rider endpoints.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

// EmptyReason tells a rider why a search currently has no candidates.
type EmptyReason string

const (
	EmptyNoneRegistered EmptyReason = "none_registered"
	EmptyNoneCompatible EmptyReason = "none_compatible"
	// EmptyAwaitingRoute means active rides exist but none has a route yet.
	EmptyAwaitingRoute EmptyReason = "awaiting_route"
)

// Listing is an active ride as seen by searches.
type Listing struct {
	RideID      string
	CaptainID   string
	Pickup      models.Place
	Destination models.Place
	Route       []models.Coord
	Occupancy   models.Occupancy
}

func (l Listing) seatsFree() int { return l.Occupancy.Capacity - l.Occupancy.Occupied }

type Query struct {
	RiderID     string
	Pickup      models.Coord
	Destination models.Coord
	Seats       int
}

type Candidate struct {
	RideID              string       `json:"rideId"`
	CaptainID           string       `json:"captainId"`
	Pickup              models.Place `json:"pickup"`
	Destination         models.Place `json:"destination"`
	SeatsAvailable      int          `json:"seatsAvailable"`
	Capacity            int          `json:"capacity"`
	PickupOffsetMeters  float64      `json:"pickupOffsetMeters"`
	DropoffOffsetMeters float64      `json:"dropoffOffsetMeters"`
}

// Update carries either candidates or the reason there are none.
type Update struct {
	Candidates []Candidate
	Empty      EmptyReason
}

func (u Update) signature() string {
	if len(u.Candidates) == 0 {
		return "empty:" + string(u.Empty)
	}
	var b strings.Builder
	for _, c := range u.Candidates {
		fmt.Fprintf(&b, "%s/%d/%d;", c.RideID, c.SeatsAvailable, c.Capacity)
	}
	return b.String()
}

type Broadcaster struct {
	tolerance float64
	workers   int
	logger    *slog.Logger

	mu       sync.RWMutex
	listings map[string]Listing
	subs     map[uint64]*Subscription
	nextID   uint64

	// evalMu orders evaluations so a subscriber never sees an older set
	// after a newer one.
	evalMu sync.Mutex
}

func NewBroadcaster(toleranceMeters float64, workers int, logger *slog.Logger) *Broadcaster {
	if toleranceMeters <= 0 {
		toleranceMeters = 500
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		tolerance: toleranceMeters,
		workers:   workers,
		logger:    logger,
		listings:  make(map[string]Listing),
		subs:      make(map[uint64]*Subscription),
	}
}

// Register adds or replaces an active ride and re-evaluates every search.
func (b *Broadcaster) Register(l Listing) {
	b.mu.Lock()
	b.listings[l.RideID] = l
	b.mu.Unlock()
	b.broadcast()
}

func (b *Broadcaster) UpdateRoute(rideID string, route []models.Coord) {
	if b.mutate(rideID, func(l *Listing) { l.Route = route }) {
		b.broadcast()
	}
}

func (b *Broadcaster) UpdateOccupancy(rideID string, occ models.Occupancy) {
	if b.mutate(rideID, func(l *Listing) { l.Occupancy = occ }) {
		b.broadcast()
	}
}

func (b *Broadcaster) Deregister(rideID string) {
	b.mu.Lock()
	_, ok := b.listings[rideID]
	delete(b.listings, rideID)
	b.mu.Unlock()
	if ok {
		b.broadcast()
	}
}

func (b *Broadcaster) mutate(rideID string, fn func(*Listing)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.listings[rideID]
	if !ok {
		return false
	}
	fn(&l)
	b.listings[rideID] = l
	return true
}

// Subscribe starts a live search. The current result is delivered
// immediately; later ones only when the set changes. The subscription ends
// when ctx is done or Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if q.Seats <= 0 {
		q.Seats = 1
	}
	if q.Pickup == q.Destination {
		return nil, fmt.Errorf("pickup equals destination: %w", models.ErrInvalidRequest)
	}
	s := &Subscription{query: q, ch: make(chan Update, 1), done: make(chan struct{}), b: b}

	b.evalMu.Lock()
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	listings := b.snapshotLocked()
	b.mu.Unlock()
	s.offer(b.evaluate(q, listings))
	b.evalMu.Unlock()

	observability.MatchSubscriptions.Inc()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) snapshotLocked() []Listing {
	out := make([]Listing, 0, len(b.listings))
	for _, l := range b.listings {
		out = append(out, l)
	}
	return out
}

// broadcast re-evaluates all searches on a bounded worker pool.
func (b *Broadcaster) broadcast() {
	b.evalMu.Lock()
	defer b.evalMu.Unlock()

	b.mu.RLock()
	listings := b.snapshotLocked()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(b.workers)
	for _, s := range subs {
		s := s
		g.Go(func() error {
			s.offer(b.evaluate(s.query, listings))
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Broadcaster) evaluate(q Query, listings []Listing) Update {
	if len(listings) == 0 {
		return Update{Empty: EmptyNoneRegistered}
	}
	var out []Candidate
	routed := 0
	for _, l := range listings {
		if len(l.Route) < 2 {
			continue
		}
		routed++
		if l.CaptainID == q.RiderID || l.seatsFree() < q.Seats {
			continue
		}
		pd, dd, ok := Compatible(l.Route, q.Pickup, q.Destination, b.tolerance)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			RideID:              l.RideID,
			CaptainID:           l.CaptainID,
			Pickup:              l.Pickup,
			Destination:         l.Destination,
			SeatsAvailable:      l.seatsFree(),
			Capacity:            l.Occupancy.Capacity,
			PickupOffsetMeters:  pd,
			DropoffOffsetMeters: dd,
		})
	}
	if len(out) == 0 {
		if routed == 0 {
			return Update{Empty: EmptyAwaitingRoute}
		}
		return Update{Empty: EmptyNoneCompatible}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PickupOffsetMeters != out[j].PickupOffsetMeters {
			return out[i].PickupOffsetMeters < out[j].PickupOffsetMeters
		}
		return out[i].RideID < out[j].RideID
	})
	return Update{Candidates: out}
}

// Compatible reports whether route passes within tolerance of both rider
// endpoints, reaching the pickup before the destination. It also returns the
// offsets of each endpoint from the route.
func Compatible(route []models.Coord, pickup, dest models.Coord, toleranceMeters float64) (float64, float64, bool) {
	pd, pAlong := geo.NearestOnPolyline(route, pickup)
	dd, dAlong := geo.NearestOnPolyline(route, dest)
	return pd, dd, pd <= toleranceMeters && dd <= toleranceMeters && pAlong < dAlong
}

type Subscription struct {
	id    uint64
	query Query
	b     *Broadcaster
	done  chan struct{}

	mu     sync.Mutex
	ch     chan Update
	last   string
	closed bool
}

// C delivers updates, latest wins. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Update { return s.ch }

func (s *Subscription) Query() Query { return s.query }

// offer delivers u if it differs from the last delivered update.
func (s *Subscription) offer(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	sig := u.signature()
	if sig == s.last {
		return
	}
	s.last = sig
	select {
	case <-s.ch:
	default:
	}
	s.ch <- u
	observability.MatchUpdates.Inc()
}

// Close ends the search and releases it. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
	observability.MatchSubscriptions.Dec()
}
