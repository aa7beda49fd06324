package eta

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/ride-session/internal/models"
)

// GoogleMapsProvider resolves routes with the Google Maps Directions API.
type GoogleMapsProvider struct {
	client *maps.Client
}

// NewGoogleMapsProvider creates a provider with the given API key.
func NewGoogleMapsProvider(apiKey string) (*GoogleMapsProvider, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsProvider{client: client}, nil
}

func (g *GoogleMapsProvider) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return models.Route{}, fmt.Errorf("maps api error: %v: %w", err, models.ErrRouteProviderUnavailable)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.Route{}, fmt.Errorf("no route found: %w", models.ErrRouteProviderUnavailable)
	}

	out := models.Route{ComputedAt: time.Now()}
	for _, leg := range routes[0].Legs {
		out.DistanceMeters += float64(leg.Distance.Meters)
		out.DurationSeconds += leg.Duration.Seconds()
	}
	if pts, err := routes[0].OverviewPolyline.Decode(); err == nil {
		out.Polyline = make([]models.Coord, 0, len(pts))
		for _, p := range pts {
			out.Polyline = append(out.Polyline, models.Coord{Lat: p.Lat, Lng: p.Lng})
		}
	}
	return out, nil
}

func latLng(c models.Coord) string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng) }
