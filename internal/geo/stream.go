package geo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-session/internal/fanout"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

// Stream ingests captain position samples per ride, drops anything not newer
// than the last accepted sample, and republishes the rest to subscribers.
// Rides are independent: each track has its own lock.
type Stream struct {
	mu     sync.RWMutex
	tracks map[string]*track
	hub    *fanout.Hub[models.LocationSample]
	index  Index
	logger *slog.Logger
}

type track struct {
	mu        sync.Mutex
	captainID string
	last      models.LocationSample
	has       bool
	closed    bool
	onAccept  func(models.LocationSample)
}

func NewStream(index Index, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		tracks: make(map[string]*track),
		hub:    fanout.NewHub[models.LocationSample](8),
		index:  index,
		logger: logger,
	}
}

// Open starts accepting samples for rideID. onAccept runs after each accepted
// sample, outside the track lock, and must not block.
func (s *Stream) Open(rideID, captainID string, onAccept func(models.LocationSample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[rideID]; ok {
		return
	}
	s.tracks[rideID] = &track{captainID: captainID, onAccept: onAccept}
}

// Close drops the ride's ephemeral state and ends its subscriptions. A Push
// already holding the track finishes its index write before Close removes
// the ride from the index.
func (s *Stream) Close(ctx context.Context, rideID string) {
	s.mu.Lock()
	tr, ok := s.tracks[rideID]
	delete(s.tracks, rideID)
	s.mu.Unlock()
	if ok {
		tr.mu.Lock()
		tr.closed = true
		tr.mu.Unlock()
	}
	s.hub.CloseKey(rideID)
	if s.index != nil {
		if err := s.index.Remove(ctx, rideID); err != nil {
			s.logger.Warn("geo index remove failed", "ride_id", rideID, "error", err)
		}
	}
}

// Push validates and applies one sample. Out-of-order and duplicate samples
// return ErrStaleLocation and leave the published position unchanged.
func (s *Stream) Push(ctx context.Context, sample models.LocationSample) error {
	if err := Validate(sample); err != nil {
		observability.LocationSamples.WithLabelValues("invalid").Inc()
		return err
	}
	s.mu.RLock()
	tr, ok := s.tracks[sample.RideID]
	s.mu.RUnlock()
	if !ok {
		observability.LocationSamples.WithLabelValues("unknown_ride").Inc()
		return fmt.Errorf("location for ride %s: %w", sample.RideID, models.ErrSessionNotFound)
	}

	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		observability.LocationSamples.WithLabelValues("closed").Inc()
		return fmt.Errorf("location for ride %s: %w", sample.RideID, models.ErrSessionClosed)
	}
	if tr.has && sample.CapturedAt <= tr.last.CapturedAt {
		last := tr.last.CapturedAt
		tr.mu.Unlock()
		observability.LocationSamples.WithLabelValues("stale").Inc()
		return fmt.Errorf("sample %d not after %d: %w", sample.CapturedAt, last, models.ErrStaleLocation)
	}
	tr.last, tr.has = sample, true
	// publish and index under the track lock so neither subscribers nor the
	// index see positions regress, and Close cannot interleave
	s.hub.Publish(sample.RideID, sample)
	if s.index != nil {
		p := Position{RideID: sample.RideID, CaptainID: tr.captainID, Loc: sample.Coord(), Heading: sample.HeadingDegrees, Updated: time.Now()}
		if err := s.index.Upsert(ctx, p); err != nil {
			s.logger.Warn("geo index upsert failed", "ride_id", sample.RideID, "error", err)
		}
	}
	onAccept := tr.onAccept
	tr.mu.Unlock()

	observability.LocationSamples.WithLabelValues("accepted").Inc()
	if onAccept != nil {
		onAccept(sample)
	}
	return nil
}

// Last returns the most recently accepted sample for rideID.
func (s *Stream) Last(rideID string) (models.LocationSample, bool) {
	s.mu.RLock()
	tr, ok := s.tracks[rideID]
	s.mu.RUnlock()
	if !ok {
		return models.LocationSample{}, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.last, tr.has
}

// Subscribe returns a live feed of accepted samples for rideID. The caller
// must Close it when the viewer goes away.
func (s *Stream) Subscribe(rideID string) *fanout.Subscription[models.LocationSample] {
	return s.hub.Subscribe(rideID)
}

func (s *Stream) Subscribers(rideID string) int { return s.hub.Count(rideID) }

func Validate(sample models.LocationSample) error {
	switch {
	case sample.RideID == "":
		return fmt.Errorf("missing ride id: %w", models.ErrInvalidRequest)
	case math.IsNaN(sample.Lat) || sample.Lat < -90 || sample.Lat > 90:
		return fmt.Errorf("lat %v out of range: %w", sample.Lat, models.ErrInvalidRequest)
	case math.IsNaN(sample.Lng) || sample.Lng < -180 || sample.Lng > 180:
		return fmt.Errorf("lng %v out of range: %w", sample.Lng, models.ErrInvalidRequest)
	case sample.CapturedAt <= 0:
		return fmt.Errorf("capturedAt %d: %w", sample.CapturedAt, models.ErrInvalidRequest)
	}
	if h := sample.HeadingDegrees; h != nil && (math.IsNaN(*h) || *h < 0 || *h >= 360) {
		return fmt.Errorf("heading %v out of range: %w", *h, models.ErrInvalidRequest)
	}
	return nil
}
