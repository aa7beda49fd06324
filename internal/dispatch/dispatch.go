// Package dispatch delivers realtime messages and lifecycle notifications to
// connected actors, queueing notifications for those who are offline.
package dispatch

// Envelope is the frame written to realtime clients.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Core to client message types.
const (
	TypeMatchUpdate    = "match.update"
	TypeMatchEmpty     = "match.empty"
	TypeRideState      = "ride.state"
	TypeRideLocation   = "ride.location"
	TypeRideETA        = "ride.eta"
	TypeBookingOutcome = "ride.bookingOutcome"
	TypeNotification   = "notification.push"
	TypeError          = "error"
	TypeAck            = "ack"
)
