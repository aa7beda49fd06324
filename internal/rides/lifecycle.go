package rides

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/matcher"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/session"
)

type CreateRequest struct {
	Pickup      models.Place
	Destination models.Place
	Capacity    int
}

// CreateSession opens a Planning session owned by captainID.
func (s *Service) CreateSession(ctx context.Context, captainID string, req CreateRequest) (models.RideSession, error) {
	if captainID == "" {
		return models.RideSession{}, fmt.Errorf("missing captain: %w", models.ErrInvalidRequest)
	}
	if req.Capacity <= 0 || req.Capacity > MaxCapacity {
		return models.RideSession{}, fmt.Errorf("capacity %d outside 1..%d: %w", req.Capacity, MaxCapacity, models.ErrInvalidRequest)
	}
	ride := models.RideSession{
		ID:          uuid.NewString(),
		CaptainID:   captainID,
		Phase:       models.PhasePlanning,
		Capacity:    req.Capacity,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		CreatedAt:   s.now(),
	}
	sess, err := session.New(context.Background(), ride)
	if err != nil {
		return models.RideSession{}, err
	}
	if err := s.store.SaveSession(ctx, ride); err != nil {
		sess.Teardown()
		return models.RideSession{}, fmt.Errorf("save ride %s: %w", ride.ID, err)
	}
	s.registry.Add(sess)
	s.publishLifecycle(sess, "created", models.Occupancy{Capacity: ride.Capacity})
	s.logger.Info("ride created", "ride_id", ride.ID, "captain_id", captainID, "capacity", ride.Capacity)
	return ride, nil
}

// Activate starts the ride: it looks up the route, opens position streaming
// and makes the ride visible to route searches. A failed route lookup does
// not block activation; the ETA tracker retries on the next position.
func (s *Service) Activate(ctx context.Context, captainID, rideID string) (State, error) {
	sess, err := s.owned(ctx, captainID, rideID)
	if err != nil {
		return State{}, err
	}
	err = sess.Exclusive(func() error {
		if _, err := sess.Transition(models.PhaseActive, s.now()); err != nil {
			return err
		}
		observability.PhaseTransitions.WithLabelValues(string(models.PhaseActive)).Inc()
		observability.SessionsActive.Inc()
		ride := sess.Snapshot()

		tracker := eta.NewTracker(rideID, s.routes, ride.Destination.Coord, s.cfg.Tracker, func(r models.Route) {
			s.routeUpdated(sess, r)
		}, s.logger)
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RouteTimeout)
		route, rerr := s.routes.Route(rctx, ride.Pickup.Coord, ride.Destination.Coord)
		cancel()
		if rerr != nil {
			s.logger.Warn("initial route lookup failed", "ride_id", rideID, "error", rerr)
		} else {
			tracker.Seed(route, ride.Pickup.Coord)
			sess.SetRoute(route)
		}
		sess.AttachTracker(tracker)

		s.stream.Open(rideID, captainID, func(ls models.LocationSample) {
			tracker.Observe(sess.Context(), ls.Coord())
			if err := s.publisher.PublishLocation(sess.Context(), ingest.LocationEvent{
				RideID: ls.RideID, CaptainID: captainID, Lat: ls.Lat, Lng: ls.Lng,
				Heading: ls.HeadingDegrees, CapturedAt: ls.CapturedAt, ReceivedAt: s.now(),
			}); err != nil {
				s.logger.Warn("publish location failed", "ride_id", rideID, "error", err)
			}
		})

		snap, err := sess.Ledger().Snapshot(ctx)
		if err != nil {
			return err
		}
		var polyline []models.Coord
		if rerr == nil {
			polyline = route.Polyline
		}
		s.matcher.Register(matcher.Listing{
			RideID:      rideID,
			CaptainID:   captainID,
			Pickup:      ride.Pickup,
			Destination: ride.Destination,
			Route:       polyline,
			Occupancy:   snap.Occupancy,
		})
		if err := s.store.SaveSession(ctx, sess.Snapshot()); err != nil {
			s.logger.Warn("persist ride failed", "ride_id", rideID, "error", err)
		}
		s.publishLifecycle(sess, "activated", snap.Occupancy)
		return nil
	})
	if err != nil {
		return State{}, err
	}
	s.broadcastState(ctx, sess)
	s.logger.Info("ride activated", "ride_id", rideID, "captain_id", captainID)
	return s.liveState(ctx, sess, captainID)
}

func (s *Service) routeUpdated(sess *session.Session, r models.Route) {
	if sess.Phase() != models.PhaseActive {
		return
	}
	sess.SetRoute(r)
	s.matcher.UpdateRoute(sess.ID(), r.Polyline)
	s.watchers.Publish(sess.ID(), dispatch.Envelope{Type: dispatch.TypeRideETA, Payload: ETA{
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
		ComputedAt:      r.ComputedAt,
	}})
}

// Complete ends an Active ride, archives its accepted reservations into ride
// history and tears the session down.
func (s *Service) Complete(ctx context.Context, captainID, rideID string) (State, error) {
	sess, err := s.owned(ctx, captainID, rideID)
	if err != nil {
		return State{}, err
	}
	var final State
	err = sess.Exclusive(func() error {
		if _, err := sess.Transition(models.PhaseCompleted, s.now()); err != nil {
			return err
		}
		observability.PhaseTransitions.WithLabelValues(string(models.PhaseCompleted)).Inc()
		observability.SessionsActive.Dec()

		fin, err := sess.Ledger().Finalize(ctx)
		if err != nil {
			return err
		}
		ride := sess.Snapshot()
		history := make([]models.HistoryRecord, 0, len(fin.Accepted))
		occupied := 0
		for _, r := range fin.Accepted {
			occupied += r.PassengerCount
			history = append(history, models.HistoryRecord{
				RideID:         rideID,
				ReservationID:  r.ID,
				CaptainID:      captainID,
				RiderID:        r.RiderID,
				PassengerCount: r.PassengerCount,
				Pickup:         r.Pickup,
				Destination:    r.Destination,
				StartedAt:      deref(ride.StartedAt),
				CompletedAt:    deref(ride.EndedAt),
			})
		}
		if err := s.store.AppendHistory(ctx, history); err != nil {
			s.logger.Error("archive ride history failed", "ride_id", rideID, "error", err)
		}
		for _, r := range fin.Accepted {
			s.notify(ctx, r.RiderID, models.NotifyRideCompleted, rideID, map[string]any{"rideId": rideID, "reservationId": r.ID})
		}
		for _, r := range fin.Dropped {
			s.notify(ctx, r.RiderID, models.NotifyReservationCancelled, r.ID, map[string]any{"rideId": rideID, "reservationId": r.ID, "reason": "ride_completed"})
		}
		s.notify(ctx, captainID, models.NotifyRideCompleted, rideID, map[string]any{"rideId": rideID, "passengers": occupied})

		ride.Occupied = occupied
		final = archivedState(ride)
		s.teardown(ctx, sess, models.Occupancy{Occupied: occupied, Capacity: ride.Capacity}, final)
		return nil
	})
	if err != nil {
		return State{}, err
	}
	s.logger.Info("ride completed", "ride_id", rideID, "passengers", final.Occupied)
	return final, nil
}

// CancelSession is the captain cancelling the whole ride: every open
// reservation is cancelled, seats are released and riders are told.
func (s *Service) CancelSession(ctx context.Context, captainID, rideID string) (State, error) {
	sess, err := s.owned(ctx, captainID, rideID)
	if err != nil {
		return State{}, err
	}
	var final State
	err = sess.Exclusive(func() error {
		from, err := sess.Transition(models.PhaseCancelled, s.now())
		if err != nil {
			return err
		}
		observability.PhaseTransitions.WithLabelValues(string(models.PhaseCancelled)).Inc()
		if from == models.PhaseActive {
			observability.SessionsActive.Dec()
		}
		cancelled, err := sess.Ledger().CancelAll(ctx)
		if err != nil {
			return err
		}
		for _, r := range cancelled {
			s.notify(ctx, r.RiderID, models.NotifyRideCancelled, rideID, map[string]any{"rideId": rideID, "reservationId": r.ID})
		}
		ride := sess.Snapshot()
		final = archivedState(ride)
		s.teardown(ctx, sess, models.Occupancy{Capacity: ride.Capacity}, final)
		return nil
	})
	if err != nil {
		return State{}, err
	}
	s.logger.Info("ride cancelled", "ride_id", rideID, "captain_id", captainID)
	return final, nil
}

// teardown releases everything the session owned. Called with the session's
// lifecycle lock held and its phase already terminal.
func (s *Service) teardown(ctx context.Context, sess *session.Session, occ models.Occupancy, final State) {
	rideID := sess.ID()
	s.matcher.Deregister(rideID)
	s.stream.Close(ctx, rideID)
	sess.ClearRoute()
	rec := sess.Snapshot()
	rec.Occupied = occ.Occupied
	if err := s.store.SaveSession(ctx, rec); err != nil {
		s.logger.Warn("persist ride failed", "ride_id", rideID, "error", err)
	}
	s.watchers.Publish(rideID, dispatch.Envelope{Type: dispatch.TypeRideState, Payload: final})
	s.watchers.CloseKey(rideID)
	s.registry.Remove(rideID)
	s.forgetReservations(rideID)
	s.publishLifecycle(sess, string(sess.Phase()), occ)
	sess.Teardown()
}

func (s *Service) notify(ctx context.Context, to string, typ models.NotificationType, key string, payload map[string]any) {
	if err := s.notifier.Notify(ctx, to, typ, key, payload); err != nil {
		s.logger.Warn("notify failed", "recipient_id", to, "type", typ, "error", err)
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
