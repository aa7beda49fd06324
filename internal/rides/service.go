// Package rides coordinates the per-ride components. It owns the live session
// registry and is the single entry point for the REST and websocket gateway.
package rides

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/fanout"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/matcher"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/negotiation"
	"github.com/example/ride-session/internal/session"
	"github.com/example/ride-session/internal/storage"
)

// MaxCapacity bounds the seats a vehicle profile may offer.
const MaxCapacity = 8

type Config struct {
	Tracker         eta.TrackerConfig
	MatchTolerance  float64
	MatchWorkers    int
	NotifyRetention int
	// RouteTimeout bounds the route lookup made at activation.
	RouteTimeout time.Duration
}

// Deps are the collaborators. Store and Routes are required; the rest
// fall back to in-process implementations.
type Deps struct {
	Store     storage.Store
	Routes    eta.RouteProvider
	Index     geo.Index
	Hub       *dispatch.Hub
	Pusher    dispatch.Pusher
	Publisher ingest.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Service struct {
	cfg       Config
	store     storage.Store
	routes    eta.RouteProvider
	index     geo.Index
	hub       *dispatch.Hub
	notifier  *dispatch.Dispatcher
	publisher ingest.Publisher
	logger    *slog.Logger
	now       func() time.Time

	registry *session.Registry
	stream   *geo.Stream
	matcher  *matcher.Broadcaster
	proto    *negotiation.Protocol
	watchers *fanout.Hub[dispatch.Envelope]

	resMu        sync.Mutex
	reservations map[string]string // reservation id -> ride id
}

func New(cfg Config, d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Index == nil {
		d.Index = geo.NewMemoryIndex()
	}
	if d.Hub == nil {
		d.Hub = dispatch.NewHub(d.Logger)
	}
	if d.Publisher == nil {
		d.Publisher = ingest.Nop{}
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = 5 * time.Second
	}
	opts := []dispatch.DispatcherOption{dispatch.WithStore(d.Store), dispatch.WithClock(d.Clock)}
	if d.Pusher != nil {
		opts = append(opts, dispatch.WithPusher(d.Pusher))
	}
	s := &Service{
		cfg:          cfg,
		store:        d.Store,
		routes:       d.Routes,
		index:        d.Index,
		hub:          d.Hub,
		notifier:     dispatch.NewDispatcher(d.Hub, cfg.NotifyRetention, d.Logger, opts...),
		publisher:    d.Publisher,
		logger:       d.Logger,
		now:          d.Clock,
		registry:     session.NewRegistry(),
		stream:       geo.NewStream(d.Index, d.Logger),
		matcher:      matcher.NewBroadcaster(cfg.MatchTolerance, cfg.MatchWorkers, d.Logger),
		watchers:     fanout.NewHub[dispatch.Envelope](16),
		reservations: make(map[string]string),
	}
	s.proto = &negotiation.Protocol{
		Notifier:    s.notifier,
		OnOutcome:   s.deliverOutcome,
		OnOccupancy: s.occupancyChanged,
		Logger:      d.Logger,
	}
	return s
}

func (s *Service) Hub() *dispatch.Hub { return s.hub }

// lookup returns the live session. A ride that has been archived yields
// ErrSessionClosed so late operations are refused rather than ignored.
func (s *Service) lookup(ctx context.Context, rideID string) (*session.Session, error) {
	if sess, ok := s.registry.Get(rideID); ok {
		return sess, nil
	}
	rec, err := s.store.GetSession(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if rec.Phase.Closed() {
		return nil, fmt.Errorf("ride %s is %s: %w", rideID, rec.Phase, models.ErrSessionClosed)
	}
	// open in the store but not live here, e.g. after a restart
	return nil, fmt.Errorf("ride %s is not live: %w", rideID, models.ErrSessionNotFound)
}

func (s *Service) owned(ctx context.Context, captainID, rideID string) (*session.Session, error) {
	sess, err := s.lookup(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if sess.CaptainID() != captainID {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotOwner)
	}
	return sess, nil
}

func (s *Service) deliverOutcome(bo negotiation.BookingOutcome) {
	env := dispatch.Envelope{Type: dispatch.TypeBookingOutcome, Payload: bo}
	s.hub.Send(bo.RiderID, env)
	s.hub.Send(bo.CaptainID, env)
}

func (s *Service) occupancyChanged(rideID string, occ models.Occupancy) {
	s.matcher.UpdateOccupancy(rideID, occ)
	sess, ok := s.registry.Get(rideID)
	if !ok {
		return
	}
	s.broadcastState(context.Background(), sess)
	s.publishLifecycle(sess, "occupancy", occ)
}

func (s *Service) broadcastState(ctx context.Context, sess *session.Session) {
	st, err := s.liveState(ctx, sess, "")
	if err != nil {
		s.logger.Warn("build ride state failed", "ride_id", sess.ID(), "error", err)
		return
	}
	s.watchers.Publish(sess.ID(), dispatch.Envelope{Type: dispatch.TypeRideState, Payload: st})
}

func (s *Service) publishLifecycle(sess *session.Session, kind string, occ models.Occupancy) {
	e := ingest.LifecycleEvent{
		RideID:    sess.ID(),
		CaptainID: sess.CaptainID(),
		Kind:      kind,
		Phase:     sess.Phase(),
		Occupancy: occ,
		At:        s.now(),
	}
	if err := s.publisher.PublishLifecycle(context.Background(), e); err != nil {
		s.logger.Warn("publish lifecycle failed", "ride_id", sess.ID(), "kind", kind, "error", err)
	}
}

func (s *Service) indexReservation(resID, rideID string) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	s.reservations[resID] = rideID
}

func (s *Service) rideOf(resID string) (string, bool) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	id, ok := s.reservations[resID]
	return id, ok
}

func (s *Service) forgetReservations(rideID string) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	for res, ride := range s.reservations {
		if ride == rideID {
			delete(s.reservations, res)
		}
	}
}

// Close stops every live session without changing its phase.
func (s *Service) Close(ctx context.Context) {
	for _, sess := range s.registry.List() {
		s.stream.Close(ctx, sess.ID())
		s.matcher.Deregister(sess.ID())
		s.watchers.CloseKey(sess.ID())
		s.registry.Remove(sess.ID())
		sess.Teardown()
	}
}
