// Package ingest carries accepted location samples and lifecycle events onto
// Kafka so other processes (the geo consumer, analytics) can follow rides.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-session/internal/models"
)

type LocationEvent struct {
	RideID     string    `json:"rideId"`
	CaptainID  string    `json:"captainId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Heading    *float64  `json:"heading,omitempty"`
	CapturedAt int64     `json:"capturedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// LifecycleEvent records a phase change or booking decision on a ride.
type LifecycleEvent struct {
	RideID    string           `json:"rideId"`
	CaptainID string           `json:"captainId"`
	Kind      string           `json:"kind"`
	Phase     models.Phase     `json:"phase,omitempty"`
	Occupancy models.Occupancy `json:"occupancy"`
	At        time.Time        `json:"at"`
}

type Publisher interface {
	PublishLocation(ctx context.Context, e LocationEvent) error
	PublishLifecycle(ctx context.Context, e LifecycleEvent) error
	Close() error
}

// KafkaProducer writes asynchronously; callers never wait on the brokers.
// Delivery failures are logged from the writer's completion callback.
type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, eventTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	writer := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					logger.Warn("kafka publish failed", "topic", topic, "messages", len(msgs), "error", err)
				}
			},
		}
	}
	return &KafkaProducer{locations: writer(locationTopic), events: writer(eventTopic)}
}

// PublishLocation keys by ride so one ride's samples stay ordered in a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, e LocationEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(e.RideID), Value: b})
}

func (k *KafkaProducer) PublishLifecycle(ctx context.Context, e LifecycleEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(e.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	lerr := k.locations.Close()
	eerr := k.events.Close()
	if lerr != nil {
		return lerr
	}
	return eerr
}

// Nop drops everything. Used when no brokers are configured.
type Nop struct{}

func (Nop) PublishLocation(context.Context, LocationEvent) error { return nil }

func (Nop) PublishLifecycle(context.Context, LifecycleEvent) error { return nil }

func (Nop) Close() error { return nil }

func DecodeLocation(b []byte) (LocationEvent, error) {
	var e LocationEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return LocationEvent{}, err
	}
	switch {
	case e.RideID == "" || e.CaptainID == "":
		return LocationEvent{}, fmt.Errorf("location event without ride or captain: %w", models.ErrInvalidRequest)
	case math.IsNaN(e.Lat) || e.Lat < -90 || e.Lat > 90 || math.IsNaN(e.Lng) || e.Lng < -180 || e.Lng > 180:
		return LocationEvent{}, fmt.Errorf("location %v,%v out of range: %w", e.Lat, e.Lng, models.ErrInvalidRequest)
	}
	return e, nil
}

func DecodeLifecycle(b []byte) (LifecycleEvent, error) {
	var e LifecycleEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return LifecycleEvent{}, err
	}
	if e.RideID == "" {
		return LifecycleEvent{}, fmt.Errorf("lifecycle event without ride: %w", models.ErrInvalidRequest)
	}
	return e, nil
}
