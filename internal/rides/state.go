package rides

import (
	"context"
	"time"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/session"
)

// ETA is the remaining distance and time from the captain's last position.
// Stale is set while the route provider is failing and an older value is served.
type ETA struct {
	DistanceMeters  float64   `json:"distanceMeters"`
	DurationSeconds float64   `json:"durationSeconds"`
	ComputedAt      time.Time `json:"computedAt"`
	Stale           bool      `json:"stale,omitempty"`
}

// State is the authoritative snapshot a client resumes from.
type State struct {
	RideID       string                 `json:"rideId"`
	CaptainID    string                 `json:"captainId"`
	Phase        models.Phase           `json:"phase"`
	Occupied     int                    `json:"occupied"`
	Capacity     int                    `json:"capacity"`
	Pickup       models.Place           `json:"pickup"`
	Destination  models.Place           `json:"destination"`
	Route        *models.Route          `json:"route,omitempty"`
	ETA          *ETA                   `json:"eta,omitempty"`
	LastLocation *models.LocationSample `json:"lastLocation,omitempty"`
	Reservations []models.Reservation   `json:"reservations,omitempty"`
}

// liveState builds the snapshot for viewerID. The captain sees every
// reservation; anyone else only their own. An empty viewer sees none.
func (s *Service) liveState(ctx context.Context, sess *session.Session, viewerID string) (State, error) {
	snap, err := sess.Ledger().Snapshot(ctx)
	if err != nil {
		return State{}, err
	}
	ride := sess.Snapshot()
	st := State{
		RideID:      ride.ID,
		CaptainID:   ride.CaptainID,
		Phase:       ride.Phase,
		Occupied:    snap.Occupancy.Occupied,
		Capacity:    snap.Occupancy.Capacity,
		Pickup:      ride.Pickup,
		Destination: ride.Destination,
		Route:       ride.Route,
	}
	if t := sess.Tracker(); t != nil {
		if r, ok := t.Current(); ok {
			st.ETA = &ETA{DistanceMeters: r.DistanceMeters, DurationSeconds: r.DurationSeconds, ComputedAt: r.ComputedAt, Stale: t.LastError() != nil}
		}
	}
	if last, ok := s.stream.Last(ride.ID); ok {
		st.LastLocation = &last
	}
	if viewerID != "" {
		for _, r := range snap.Reservations {
			if viewerID == ride.CaptainID || r.RiderID == viewerID {
				st.Reservations = append(st.Reservations, r)
			}
		}
	}
	return st, nil
}

func archivedState(rec models.RideSession) State {
	return State{
		RideID:      rec.ID,
		CaptainID:   rec.CaptainID,
		Phase:       rec.Phase,
		Occupied:    rec.Occupied,
		Capacity:    rec.Capacity,
		Pickup:      rec.Pickup,
		Destination: rec.Destination,
	}
}
