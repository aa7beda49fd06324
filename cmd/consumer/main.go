package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/logging"
	"github.com/example/ride-session/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed by topic kind",
	}, []string{"kind"})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_locations_stale_total",
		Help: "Location events older than the last one applied for the ride",
	})
	msgsAfterClose = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_locations_after_close_total",
		Help: "Location events for rides that already ended",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful geo index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total geo index errors after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, msgsAfterClose, indexUpdates, indexErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-geo-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	index := geo.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.GeoTTL)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: topic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	}
	locations := reader(cfg.KafkaLocationTopic)
	events := reader(cfg.KafkaEventTopic)
	defer func() {
		_ = locations.Close()
		_ = events.Close()
	}()

	h := newHandler(index, cfg.RetryAttempts, cfg.RetryDelay, logger)
	logger.Info("consumer started", "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup,
		"location_topic", cfg.KafkaLocationTopic, "event_topic", cfg.KafkaEventTopic)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consume(gctx, locations, "location", h.location, logger) })
	g.Go(func() error { return consume(gctx, events, "lifecycle", h.lifecycle, logger) })
	if err := g.Wait(); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends, backing off on broker errors. Handler errors
// are counted and skipped so one bad message never stalls the partition.
func consume(ctx context.Context, r messageReader, kind string, handle func(context.Context, []byte) error, logger *slog.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka read error", "kind", kind, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.WithLabelValues(kind).Inc()
		if err := handle(ctx, m.Value); err != nil {
			logger.Warn("message skipped", "kind", kind, "offset", m.Offset, "error", err)
		}
	}
}

// Indexer is the subset of the geo index the consumer writes to.
type Indexer interface {
	Upsert(ctx context.Context, p geo.Position) error
	Remove(ctx context.Context, rideID string) error
}

type handler struct {
	index    Indexer
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	last   map[string]int64     // ride id -> capturedAt of the last applied event
	closed map[string]time.Time // ride id -> when its close event was seen
}

// closedRetention is how long a tombstone outlives its ride. Locations and
// lifecycle events arrive on different topics with no ordering between them.
const closedRetention = time.Hour

func newHandler(index Indexer, attempts int, delay time.Duration, logger *slog.Logger) *handler {
	return &handler{
		index:    index,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
		last:     make(map[string]int64),
		closed:   make(map[string]time.Time),
	}
}

func (h *handler) isClosed(rideID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.closed[rideID]
	return ok
}

// location applies a captain position. Redeliveries and events older than
// the last applied one are dropped so the index never moves backwards, and
// rides that already ended are never re-added.
func (h *handler) location(ctx context.Context, b []byte) error {
	e, err := ingest.DecodeLocation(b)
	if err != nil {
		msgsInvalid.Inc()
		return err
	}
	h.mu.Lock()
	if _, ok := h.closed[e.RideID]; ok {
		h.mu.Unlock()
		msgsAfterClose.Inc()
		return nil
	}
	if prev, ok := h.last[e.RideID]; ok && e.CapturedAt <= prev {
		h.mu.Unlock()
		msgsStale.Inc()
		return nil
	}
	h.last[e.RideID] = e.CapturedAt
	h.mu.Unlock()

	p := geo.Position{
		RideID:    e.RideID,
		CaptainID: e.CaptainID,
		Loc:       models.Coord{Lat: e.Lat, Lng: e.Lng},
		Heading:   e.Heading,
		Updated:   e.ReceivedAt,
	}
	err = retry(ctx, h.attempts, h.delay, func() error { return h.index.Upsert(ctx, p) })
	if err != nil {
		indexErrors.Inc()
		return fmt.Errorf("index ride %s: %w", e.RideID, err)
	}
	indexUpdates.Inc()
	// the close event may have been handled while the upsert was in flight
	if h.isClosed(e.RideID) {
		msgsAfterClose.Inc()
		if err := h.remove(ctx, e.RideID); err != nil {
			return err
		}
	}
	return nil
}

// lifecycle removes rides from the index once they end.
func (h *handler) lifecycle(ctx context.Context, b []byte) error {
	e, err := ingest.DecodeLifecycle(b)
	if err != nil {
		msgsInvalid.Inc()
		return err
	}
	if !e.Phase.Closed() {
		return nil
	}
	now := time.Now()
	h.mu.Lock()
	delete(h.last, e.RideID)
	h.closed[e.RideID] = now
	for id, at := range h.closed {
		if now.Sub(at) > closedRetention {
			delete(h.closed, id)
		}
	}
	h.mu.Unlock()
	if err := h.remove(ctx, e.RideID); err != nil {
		return err
	}
	h.logger.Debug("ride removed from index", "ride_id", e.RideID, "phase", e.Phase)
	return nil
}

func (h *handler) remove(ctx context.Context, rideID string) error {
	if err := retry(ctx, h.attempts, h.delay, func() error { return h.index.Remove(ctx, rideID) }); err != nil {
		indexErrors.Inc()
		return fmt.Errorf("remove ride %s: %w", rideID, err)
	}
	return nil
}

// retry runs fn up to attempts times, doubling delay between tries.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
