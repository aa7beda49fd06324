package eta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

type TrackerConfig struct {
	// MinInterval is the shortest gap between two provider queries.
	MinInterval time.Duration
	// MinDisplacementMeters suppresses queries for GPS jitter.
	MinDisplacementMeters float64
	// MaxBackoff caps the retry delay after consecutive provider failures.
	MaxBackoff time.Duration
	// Timeout bounds one provider call.
	Timeout time.Duration
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Second
	}
	if c.MinDisplacementMeters <= 0 {
		c.MinDisplacementMeters = 25
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// Tracker keeps the ETA of one ride from the captain's live position to the
// destination. A failed lookup never clears the last known route.
type Tracker struct {
	rideID   string
	provider RouteProvider
	dest     models.Coord
	cfg      TrackerConfig
	limiter  *rate.Limiter
	now      func() time.Time
	onUpdate func(models.Route)
	logger   *slog.Logger

	mu        sync.Mutex
	current   *models.Route
	lastQuery *models.Coord
	inflight  bool
	retryAt   time.Time
	backoff   time.Duration
	lastErr   error
}

type TrackerOption func(*Tracker)

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(rideID string, provider RouteProvider, dest models.Coord, cfg TrackerConfig, onUpdate func(models.Route), logger *slog.Logger, opts ...TrackerOption) *Tracker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		rideID:   rideID,
		provider: provider,
		dest:     dest,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		now:      time.Now,
		onUpdate: onUpdate,
		logger:   logger.With("ride_id", rideID),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Seed installs a route obtained elsewhere, e.g. at activation.
func (t *Tracker) Seed(r models.Route, from models.Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &r
	t.lastQuery = &from
}

// Current returns the last known route, however old.
func (t *Tracker) Current() (models.Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return models.Route{}, false
	}
	return *t.current, true
}

func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// eligibleLocked checks, in order, overlap, failure backoff, displacement and
// the rate limit. The limiter token is only spent when everything else passes.
func (t *Tracker) eligibleLocked(pos models.Coord, now time.Time) bool {
	if t.inflight || now.Before(t.retryAt) {
		return false
	}
	if t.lastQuery != nil && haversine(pos.Lat, pos.Lng, t.lastQuery.Lat, t.lastQuery.Lng) < t.cfg.MinDisplacementMeters {
		return false
	}
	return t.limiter.AllowN(now, 1)
}

// Refresh queries the provider for pos when throttling allows. It returns the
// route now being served and whether a new one was obtained. On provider
// failure the previous route is returned with an error wrapping
// ErrRouteProviderUnavailable.
func (t *Tracker) Refresh(ctx context.Context, pos models.Coord) (models.Route, bool, error) {
	t.mu.Lock()
	if !t.eligibleLocked(pos, t.now()) {
		observability.ETARefreshes.WithLabelValues("throttled").Inc()
		r := t.currentLocked()
		t.mu.Unlock()
		return r, false, nil
	}
	t.inflight = true
	t.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	r, err := t.provider.Route(qctx, pos, t.dest)
	cancel()

	t.mu.Lock()
	t.inflight = false
	if err != nil {
		if !errors.Is(err, models.ErrRouteProviderUnavailable) {
			err = fmt.Errorf("%v: %w", err, models.ErrRouteProviderUnavailable)
		}
		if t.backoff == 0 {
			t.backoff = t.cfg.MinInterval
		} else {
			t.backoff *= 2
		}
		if t.backoff > t.cfg.MaxBackoff {
			t.backoff = t.cfg.MaxBackoff
		}
		t.retryAt = t.now().Add(t.backoff)
		t.lastErr = err
		cur := t.currentLocked()
		backoff := t.backoff
		t.mu.Unlock()
		observability.ETARefreshes.WithLabelValues("error").Inc()
		t.logger.Warn("eta refresh failed, serving last known route", "error", err, "retry_in", backoff)
		return cur, false, err
	}
	if r.ComputedAt.IsZero() {
		r.ComputedAt = t.now()
	}
	t.current = &r
	t.lastQuery = &pos
	t.backoff = 0
	t.retryAt = time.Time{}
	t.lastErr = nil
	t.mu.Unlock()

	observability.ETARefreshes.WithLabelValues("ok").Inc()
	if t.onUpdate != nil {
		t.onUpdate(r)
	}
	return r, true, nil
}

// Observe feeds a live position without blocking the caller. The lookup runs
// under ctx, which the owning session cancels on close.
func (t *Tracker) Observe(ctx context.Context, pos models.Coord) {
	t.mu.Lock()
	busy := t.inflight
	t.mu.Unlock()
	if busy || ctx.Err() != nil {
		return
	}
	go func() {
		_, _, _ = t.Refresh(ctx, pos)
	}()
}

func (t *Tracker) currentLocked() models.Route {
	if t.current == nil {
		return models.Route{}
	}
	return *t.current
}
