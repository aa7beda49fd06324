package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.ETAMinInterval != 2*time.Second || cfg.MatchWorkers != 4 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RedisAddr != "" || len(cfg.KafkaBrokers) != 0 || cfg.PGDSN != "" {
		t.Fatal("external collaborators must be off by default")
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("ETA_MIN_INTERVAL", "1500ms")
	t.Setenv("MATCH_TOLERANCE_M", "250")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.ETAMinInterval != 1500*time.Millisecond || cfg.MatchToleranceMeters != 250 {
		t.Fatalf("unexpected values %+v", cfg)
	}
	if !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected flags %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCH_WORKERS", "0")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"JWT_SECRET", "HTTP_READ_TIMEOUT", "MATCH_WORKERS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "g1")
	t.Setenv("REDIS_RETRY_DELAY", "50ms")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaGroup != "g1" || cfg.RetryDelay != 50*time.Millisecond || cfg.KafkaLocationTopic != "ride-locations" {
		t.Fatalf("unexpected %+v", cfg)
	}

	t.Setenv("REDIS_RETRY_ATTEMPTS", "-1")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error for negative attempts")
	}
}
