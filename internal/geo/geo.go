package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-session/internal/models"
)

// Position is the last accepted location of an active ride's captain.
type Position struct {
	RideID    string       `json:"rideId"`
	CaptainID string       `json:"captainId"`
	Loc       models.Coord `json:"loc"`
	Heading   *float64     `json:"heading,omitempty"`
	Distance  float64      `json:"distanceMeters,omitempty"`
	Updated   time.Time    `json:"updated"`
}

// Index answers "which active captains are near here". Implementations are
// best-effort caches; the session registry stays authoritative.
type Index interface {
	Upsert(ctx context.Context, p Position) error
	Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Position, error)
	Remove(ctx context.Context, rideID string) error
}

type MemoryIndex struct {
	mu    sync.RWMutex
	rides map[string]Position
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{rides: make(map[string]Position)}
}

func (g *MemoryIndex) Upsert(_ context.Context, p Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	g.rides[p.RideID] = p
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rides, rideID)
	return nil
}

// naive scan; fine for one process worth of active rides
func (g *MemoryIndex) Nearby(_ context.Context, at models.Coord, radiusMeters float64, limit int) ([]Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Position, 0, len(g.rides))
	for _, p := range g.rides {
		d := Haversine(at.Lat, at.Lng, p.Loc.Lat, p.Loc.Lng)
		if d > radiusMeters {
			continue
		}
		p.Distance = d
		arr = append(arr, p)
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].Distance < arr[minIdx].Distance {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

const earthRadius = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) }

// distanceToSegment projects onto a local equirectangular plane around p.
// Good to a few meters at city scale, which is all route tolerance needs.
// t is the position of the closest point along a->b in [0,1].
func distanceToSegment(p, a, b models.Coord) (dist, t float64) {
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	toXY := func(c models.Coord) (float64, float64) {
		return (c.Lng - p.Lng) * math.Pi / 180 * earthRadius * cosLat, (c.Lat - p.Lat) * math.Pi / 180 * earthRadius
	}
	ax, ay := toXY(a)
	bx, by := toXY(b)
	dx, dy := bx-ax, by-ay
	l2 := dx*dx + dy*dy
	if l2 > 0 {
		t = -(ax*dx + ay*dy) / l2
		t = math.Max(0, math.Min(1, t))
	}
	cx, cy := ax+t*dx, ay+t*dy
	return math.Hypot(cx, cy), t
}

// NearestOnPolyline returns the distance from p to the polyline and the
// fractional vertex position of the closest point (segment index + t), which
// orders points along the route. An empty polyline reports +Inf.
func NearestOnPolyline(line []models.Coord, p models.Coord) (dist, along float64) {
	switch len(line) {
	case 0:
		return math.Inf(1), 0
	case 1:
		return Distance(line[0], p), 0
	}
	dist = math.Inf(1)
	for i := 0; i+1 < len(line); i++ {
		d, t := distanceToSegment(p, line[i], line[i+1])
		if d < dist {
			dist, along = d, float64(i)+t
		}
	}
	return dist, along
}
