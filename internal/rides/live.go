package rides

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/fanout"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/matcher"
	"github.com/example/ride-session/internal/models"
)

// PushLocation accepts a position sample from the ride's captain.
func (s *Service) PushLocation(ctx context.Context, captainID string, sample models.LocationSample) error {
	if _, err := s.owned(ctx, captainID, sample.RideID); err != nil {
		return err
	}
	return s.IngestLocation(ctx, sample)
}

// IngestLocation applies a sample from a trusted source. Only Active rides
// stream positions.
func (s *Service) IngestLocation(ctx context.Context, sample models.LocationSample) error {
	sess, err := s.lookup(ctx, sample.RideID)
	if err != nil {
		return err
	}
	switch p := sess.Phase(); {
	case p.Closed():
		return fmt.Errorf("ride %s is %s: %w", sample.RideID, p, models.ErrSessionClosed)
	case p != models.PhaseActive:
		return fmt.Errorf("ride %s not started: %w", sample.RideID, models.ErrInvalidRequest)
	}
	return s.stream.Push(ctx, sample)
}

// State returns the current authoritative state of a ride for viewerID.
// Archived rides report their final phase.
func (s *Service) State(ctx context.Context, viewerID, rideID string) (State, error) {
	sess, err := s.lookup(ctx, rideID)
	if errors.Is(err, models.ErrSessionClosed) {
		rec, gerr := s.store.GetSession(ctx, rideID)
		if gerr != nil {
			return State{}, gerr
		}
		return archivedState(rec), nil
	}
	if err != nil {
		return State{}, err
	}
	return s.liveState(ctx, sess, viewerID)
}

// Watch is a live view of one ride: state and ETA changes plus positions.
// Closing it stops delivery and never affects the ride.
type Watch struct {
	RideID    string
	events    *fanout.Subscription[dispatch.Envelope]
	locations *fanout.Subscription[models.LocationSample]
}

// Events is closed when the ride ends or the watch is closed.
func (w *Watch) Events() <-chan dispatch.Envelope { return w.events.C() }

func (w *Watch) Locations() <-chan models.LocationSample { return w.locations.C() }

func (w *Watch) Close() {
	w.events.Close()
	w.locations.Close()
}

// Subscribe resumes a ride for viewerID: it returns the current state and a
// watch delivering what changes from then on.
func (s *Service) Subscribe(ctx context.Context, viewerID, rideID string) (*Watch, State, error) {
	sess, err := s.lookup(ctx, rideID)
	if err != nil {
		return nil, State{}, err
	}
	w := &Watch{
		RideID:    rideID,
		events:    s.watchers.Subscribe(rideID),
		locations: s.stream.Subscribe(rideID),
	}
	// a teardown that ran before the subscriptions existed never closes them
	if cur, ok := s.registry.Get(rideID); !ok || cur != sess || sess.Phase().Closed() {
		w.Close()
		return nil, State{}, fmt.Errorf("ride %s ended: %w", rideID, models.ErrSessionClosed)
	}
	st, err := s.liveState(ctx, sess, viewerID)
	if err != nil {
		w.Close()
		return nil, State{}, err
	}
	return w, st, nil
}

// Search starts a live route search for riderID.
func (s *Service) Search(ctx context.Context, riderID string, pickup, destination models.Coord, seats int) (*matcher.Subscription, error) {
	return s.matcher.Subscribe(ctx, matcher.Query{RiderID: riderID, Pickup: pickup, Destination: destination, Seats: seats})
}

// Nearby lists active rides whose captain was last seen within radius.
func (s *Service) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]geo.Position, error) {
	if radiusMeters <= 0 || radiusMeters > 50_000 {
		return nil, fmt.Errorf("radius %v: %w", radiusMeters, models.ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = 20
	}
	return s.index.Nearby(ctx, at, radiusMeters, limit)
}

func (s *Service) History(ctx context.Context, actorID string, limit int) ([]models.HistoryRecord, error) {
	return s.store.History(ctx, actorID, limit)
}

// Connect registers a live client for actorID and replays its pending
// notifications. The returned function unregisters it.
func (s *Service) Connect(ctx context.Context, actorID string, conn dispatch.Sender) func() {
	remove := s.hub.Add(actorID, conn)
	s.notifier.Flush(ctx, actorID)
	return remove
}

func (s *Service) Inbox(ctx context.Context, actorID string) []models.Notification {
	return s.notifier.Inbox(ctx, actorID)
}

func (s *Service) Ack(ctx context.Context, actorID string, ids []string) error {
	return s.notifier.Ack(ctx, actorID, ids)
}
