package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API and realtime process.
// Values come from environment variables with defaults that run locally
// against in-memory collaborators.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	WSWriteTimeout  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	GeoTTL        time.Duration

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	PGDSN         string
	RunMigrations bool

	OSRMURL          string
	GoogleMapsAPIKey string
	RouteCacheTTL    time.Duration
	DefaultSpeedMps  float64

	FCMEndpoint string
	FCMKey      string

	JWTSecret string
	JWTIssuer string

	ETAMinInterval     time.Duration
	ETAMinDisplacement float64
	ETAMaxBackoff      time.Duration

	MatchToleranceMeters float64
	MatchWorkers         int
	NotifyRetention      int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		WSWriteTimeout:       5 * time.Second,
		RedisGeoKey:          "ride_captains_geo",
		GeoTTL:               2 * time.Minute,
		KafkaLocationTopic:   "ride-locations",
		KafkaEventTopic:      "ride-events",
		RouteCacheTTL:        30 * time.Second,
		DefaultSpeedMps:      8,
		JWTIssuer:            "ride-session",
		ETAMinInterval:       2 * time.Second,
		ETAMinDisplacement:   25,
		ETAMaxBackoff:        30 * time.Second,
		MatchToleranceMeters: 500,
		MatchWorkers:         4,
		NotifyRetention:      100,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.GeoTTL, "GEO_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setDurationFromEnv(&cfg.ETAMinInterval, "ETA_MIN_INTERVAL", &errs)
	setFloatFromEnv(&cfg.ETAMinDisplacement, "ETA_MIN_DISPLACEMENT_M", &errs)
	setDurationFromEnv(&cfg.ETAMaxBackoff, "ETA_MAX_BACKOFF", &errs)

	setFloatFromEnv(&cfg.MatchToleranceMeters, "MATCH_TOLERANCE_M", &errs)
	setIntFromEnv(&cfg.MatchWorkers, "MATCH_WORKERS", &errs)
	setIntFromEnv(&cfg.NotifyRetention, "NOTIFY_RETENTION", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.MatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_WORKERS must be > 0"))
	}
	if cfg.NotifyRetention <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_RETENTION must be > 0"))
	}
	if cfg.MatchToleranceMeters <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_TOLERANCE_M must be > 0"))
	}
	if cfg.ETAMaxBackoff < cfg.ETAMinInterval {
		errs = append(errs, fmt.Errorf("ETA_MAX_BACKOFF must be >= ETA_MIN_INTERVAL"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location consumer that maintains the shared
// Redis GEO index.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string
	KafkaGroup         string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	GeoTTL        time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaLocationTopic: "ride-locations",
		KafkaEventTopic:    "ride-events",
		KafkaGroup:         "ride-session-geo",
		RedisAddr:          "localhost:6379",
		RedisGeoKey:        "ride_captains_geo",
		GeoTTL:             2 * time.Minute,
		RetryAttempts:      3,
		RetryDelay:         200 * time.Millisecond,
		LogLevel:           "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.GeoTTL, "GEO_TTL", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
