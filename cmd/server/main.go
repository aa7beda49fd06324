package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-session/internal/auth"
	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/geo"
	httpapi "github.com/example/ride-session/internal/http"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/logging"
	"github.com/example/ride-session/internal/rides"
	"github.com/example/ride-session/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var index geo.Index = geo.NewMemoryIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		closers = append(closers, rc.Close)
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.GeoTTL)
		logger.Info("geo index: redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, ride records are kept in memory")
	}

	routes, routeKind, err := newRouteProvider(cfg)
	if err != nil {
		return err
	}
	logger.Info("route provider", "kind", routeKind)

	var publisher ingest.Publisher = ingest.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic, logger)
		closers = append(closers, publisher.Close)
	}

	var pusher dispatch.Pusher
	if cfg.FCMEndpoint != "" && cfg.FCMKey != "" {
		pusher = dispatch.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey)
	}

	svc := rides.New(rides.Config{
		Tracker: eta.TrackerConfig{
			MinInterval:           cfg.ETAMinInterval,
			MinDisplacementMeters: cfg.ETAMinDisplacement,
			MaxBackoff:            cfg.ETAMaxBackoff,
		},
		MatchTolerance:  cfg.MatchToleranceMeters,
		MatchWorkers:    cfg.MatchWorkers,
		NotifyRetention: cfg.NotifyRetention,
	}, rides.Deps{
		Store:     store,
		Routes:    routes,
		Index:     index,
		Pusher:    pusher,
		Publisher: publisher,
		Logger:    logger,
	})

	api := httpapi.NewServer(svc, auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer), logger, httpapi.WithWSWriteTimeout(cfg.WSWriteTimeout))
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-session listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		svc.Close(shutdownCtx)
		return err
	})
	return g.Wait()
}

// newRouteProvider prefers OSRM, then Google Maps, then a straight-line
// estimate. Real providers are wrapped in a short-lived cache.
func newRouteProvider(cfg config.ServerConfig) (eta.RouteProvider, string, error) {
	switch {
	case cfg.OSRMURL != "":
		return &eta.Cached{Provider: eta.NewOSRMClient(cfg.OSRMURL), Cache: eta.NewCache(cfg.RouteCacheTTL)}, "osrm", nil
	case cfg.GoogleMapsAPIKey != "":
		gm, err := eta.NewGoogleMapsProvider(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, "", fmt.Errorf("google maps client: %w", err)
		}
		return &eta.Cached{Provider: gm, Cache: eta.NewCache(cfg.RouteCacheTTL)}, "googlemaps", nil
	default:
		return eta.StraightLine{SpeedMps: cfg.DefaultSpeedMps}, "straight_line", nil
	}
}
