package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-session/internal/models"
)

// RouteProvider is the routing collaborator. Failures wrap
// models.ErrRouteProviderUnavailable.
type RouteProvider interface {
	Route(ctx context.Context, from, to models.Coord) (models.Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by rounded coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// four decimals is ~11m, well under any displacement threshold
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (models.Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v models.Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached serves repeated lookups for the same endpoints from a Cache.
type Cached struct {
	Provider RouteProvider
	Cache    *Cache
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	if r, ok := c.Cache.Get(from, to); ok {
		return r, nil
	}
	r, err := c.Provider.Route(ctx, from, to)
	if err != nil {
		return models.Route{}, err
	}
	c.Cache.Set(from, to, r)
	return r, nil
}

// StraightLine estimates distance/speed along the great circle. Used when no
// routing engine is configured.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) Route(_ context.Context, from, to models.Coord) (models.Route, error) {
	d := haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	return models.Route{
		Polyline:        []models.Coord{from, to},
		DistanceMeters:  d,
		DurationSeconds: EstimateSeconds(from, to, s.SpeedMps),
		ComputedAt:      time.Now(),
	}, nil
}

// Naive ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	return d / speedMps
}

// local haversine to avoid import cycle
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
