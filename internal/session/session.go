// Package session holds the ride session phase machine and the per-ride task
// that owns the session's ledger, ETA tracker and lifetime context.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/ledger"
	"github.com/example/ride-session/internal/models"
)

// AllowedTransitions is the phase diagram. Completed and Cancelled are terminal.
var AllowedTransitions = map[models.Phase][]models.Phase{
	models.PhasePlanning: {models.PhaseActive, models.PhaseCancelled},
	models.PhaseActive:   {models.PhaseCompleted, models.PhaseCancelled},
}

func CanTransition(from, to models.Phase) bool {
	for _, p := range AllowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

type Session struct {
	mu      sync.RWMutex
	ride    models.RideSession
	tracker *eta.Tracker

	ledger    *ledger.Ledger
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	lifecycle sync.Mutex
}

// New creates the session task. Its context is cancelled by Teardown, which
// stops everything started on the session's behalf.
func New(parent context.Context, ride models.RideSession, opts ...ledger.Option) (*Session, error) {
	if ride.ID == "" || ride.CaptainID == "" {
		return nil, fmt.Errorf("session needs id and captain: %w", models.ErrInvalidRequest)
	}
	l, err := ledger.New(ride.ID, ride.Capacity, opts...)
	if err != nil {
		return nil, err
	}
	if ride.Phase == "" {
		ride.Phase = models.PhasePlanning
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{ride: ride, ledger: l, ctx: ctx, cancel: cancel}, nil
}

func (s *Session) ID() string { return s.ride.ID }

func (s *Session) CaptainID() string { return s.ride.CaptainID }

func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Context is cancelled when the session is torn down.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Phase() models.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ride.Phase
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *Session) Snapshot() models.RideSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.ride
	if s.ride.Route != nil {
		r := *s.ride.Route
		r.Polyline = append([]models.Coord(nil), r.Polyline...)
		out.Route = &r
	}
	return out
}

func (s *Session) EnsureOpen() error {
	if s.Phase().Closed() {
		return fmt.Errorf("ride %s: %w", s.ride.ID, models.ErrSessionClosed)
	}
	return nil
}

// Transition moves the session to phase to. Operations on a closed session
// fail with ErrSessionClosed; other illegal moves with ErrInvalidTransition.
func (s *Session) Transition(to models.Phase, now time.Time) (models.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.ride.Phase
	if from.Closed() {
		return from, fmt.Errorf("ride %s is %s: %w", s.ride.ID, from, models.ErrSessionClosed)
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("ride %s %s -> %s: %w", s.ride.ID, from, to, models.ErrInvalidTransition)
	}
	if to == models.PhaseActive {
		if err := readyToStart(s.ride); err != nil {
			return from, err
		}
		s.ride.StartedAt = &now
	}
	if to.Closed() {
		s.ride.EndedAt = &now
	}
	s.ride.Phase = to
	return from, nil
}

func readyToStart(r models.RideSession) error {
	if r.Capacity <= 0 {
		return fmt.Errorf("ride %s capacity %d: %w", r.ID, r.Capacity, models.ErrInvalidRequest)
	}
	return nil
}

// Exclusive runs fn while no other lifecycle change of this session is in
// progress. Booking and location traffic do not take this lock.
func (s *Session) Exclusive(fn func() error) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return fn()
}

func (s *Session) SetRoute(r models.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ride.Route = &r
}

// ClearRoute drops ephemeral route state once the ride is over.
func (s *Session) ClearRoute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ride.Route = nil
	s.tracker = nil
}

func (s *Session) AttachTracker(t *eta.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker = t
}

func (s *Session) Tracker() *eta.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker
}

// Teardown cancels the session context and stops the ledger. Safe to call twice.
func (s *Session) Teardown() {
	s.once.Do(func() {
		s.cancel()
		s.ledger.Stop()
	})
}
