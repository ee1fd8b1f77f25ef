package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MatcherDefaultRadiusKm != 10 || cfg.TransitionMaxRetries != 3 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "7s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("MATCHER_TOP_N", "3")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReadTimeout != 7*time.Second || cfg.MatcherTopN != 3 || !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCHER_DEFAULT_RADIUS_KM", "-1")
	t.Setenv("BROADCAST_BUFFER", "x")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "MATCHER_DEFAULT_RADIUS_KM", "BROADCAST_BUFFER"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("REDIS_GEO_KEY=from_file\nHTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_ADDR", ":7070")
	t.Setenv("REDIS_GEO_KEY", "")
	os.Unsetenv("REDIS_GEO_KEY")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, _ := LoadServerConfig()
	if cfg.RedisGeoKey != "from_file" {
		t.Fatalf("expected value from .env, got %q", cfg.RedisGeoKey)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("existing env must win, got %q", cfg.HTTPAddr)
	}
	os.Unsetenv("REDIS_GEO_KEY")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("CONSUMER_RETRY_ATTEMPTS", "0")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatalf("expected validation error")
	}
	t.Setenv("CONSUMER_RETRY_ATTEMPTS", "5")
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil || cfg.RetryAttempts != 5 || cfg.KafkaGroup != "g1" {
		t.Fatalf("unexpected %+v %v", cfg, err)
	}
}
