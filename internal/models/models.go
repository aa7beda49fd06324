package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate with the label the client showed the user.
type Place struct {
	Coord
	DisplayName string `json:"displayName,omitempty"`
}

// Route is the last answer from the routing collaborator. It is replaced as it ages.
type Route struct {
	Polyline        []Coord   `json:"polyline,omitempty"`
	DistanceMeters  float64   `json:"distanceMeters"`
	DurationSeconds float64   `json:"durationSeconds"`
	ComputedAt      time.Time `json:"computedAt"`
}

type Phase string

const (
	PhasePlanning  Phase = "Planning"
	PhaseActive    Phase = "Active"
	PhaseCompleted Phase = "Completed"
	PhaseCancelled Phase = "Cancelled"
)

// Closed reports whether no further transition or mutation is allowed.
func (p Phase) Closed() bool { return p == PhaseCompleted || p == PhaseCancelled }

type RideSession struct {
	ID          string     `json:"id"`
	CaptainID   string     `json:"captainId"`
	Phase       Phase      `json:"phase"`
	Capacity    int        `json:"capacity"`
	Pickup      Place      `json:"pickup"`
	Destination Place      `json:"destination"`
	Route       *Route     `json:"route,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	// Occupied is the seat count the ride ended with. Zero while live.
	Occupied int `json:"occupied"`
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "Pending"
	ReservationAccepted  ReservationStatus = "Accepted"
	ReservationRejected  ReservationStatus = "Rejected"
	ReservationCancelled ReservationStatus = "Cancelled"
)

// RejectReason tells the rider whether to try another captain or fewer passengers.
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonFull             RejectReason = "Full"
	ReasonCapacityExceeded RejectReason = "CapacityExceeded"
	ReasonCaptainRejected  RejectReason = "CaptainRejected"
)

type Reservation struct {
	ID             string            `json:"id"`
	RideID         string            `json:"rideId"`
	RiderID        string            `json:"riderId"`
	PassengerCount int               `json:"passengerCount"`
	Pickup         Place             `json:"pickup"`
	Destination    Place             `json:"destination"`
	Status         ReservationStatus `json:"status"`
	Reason         RejectReason      `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// LocationSample is one position report from the captain device. CapturedAt is the
// device clock (ms) or a device sequence number; only its ordering matters.
type LocationSample struct {
	RideID         string   `json:"rideId"`
	Lat            float64  `json:"lat"`
	Lng            float64  `json:"lng"`
	HeadingDegrees *float64 `json:"heading,omitempty"`
	CapturedAt     int64    `json:"capturedAt"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lng: s.Lng} }

type NotificationType string

const (
	NotifyBookingRequested     NotificationType = "booking.requested"
	NotifyBookingAccepted      NotificationType = "booking.accepted"
	NotifyBookingRejected      NotificationType = "booking.rejected"
	NotifyReservationCancelled NotificationType = "reservation.cancelled"
	NotifyRideCancelled        NotificationType = "ride.cancelled"
	NotifyRideCompleted        NotificationType = "ride.completed"
)

type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	Type        NotificationType `json:"type"`
	Payload     map[string]any   `json:"payload,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	Delivered   bool             `json:"delivered"`
}

// HistoryRecord archives one Accepted reservation of a completed ride.
type HistoryRecord struct {
	RideID         string    `json:"rideId"`
	ReservationID  string    `json:"reservationId"`
	CaptainID      string    `json:"captainId"`
	RiderID        string    `json:"riderId"`
	PassengerCount int       `json:"passengerCount"`
	Pickup         Place     `json:"pickup"`
	Destination    Place     `json:"destination"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Occupancy is the authoritative occupied/capacity pair sent to every party.
type Occupancy struct {
	Occupied int `json:"occupied"`
	Capacity int `json:"capacity"`
}

// Open reports whether the reservation still holds or may still hold seats.
func (r Reservation) Open() bool {
	return r.Status == ReservationPending || r.Status == ReservationAccepted
}
