package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment (optionally seeded from a .env file) with
// defaults that run locally on in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN          string
	RunMigrations  bool
	MigrationsFile string

	RedisAddr             string
	RedisPassword         string
	RedisGeoKey           string
	RedisBroadcastChannel string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	MatcherDefaultRadiusKm float64
	MatcherTopN            int
	DefaultSpeedMps        float64
	OSRMEndpoint           string
	ETACacheTTL            time.Duration

	DispatchMaxOfferAttempts int
	TransitionMaxRetries     int
	BroadcastBuffer          int
	NotifyWebhookURL         string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                 ":8080",
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             10 * time.Second,
		IdleTimeout:              120 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		MigrationsFile:           "migrations/001_init.sql",
		RedisGeoKey:              "workers_geo",
		RedisBroadcastChannel:    "dispatch-broadcast",
		KafkaTopic:               "worker-locations",
		MatcherDefaultRadiusKm:   10,
		MatcherTopN:              20,
		DefaultSpeedMps:          8,
		ETACacheTTL:              2 * time.Minute,
		DispatchMaxOfferAttempts: 5,
		TransitionMaxRetries:     3,
		BroadcastBuffer:          64,
		LogLevel:                 "info",
	}
}

// LoadDotEnv seeds the environment from .env files. Missing files are fine;
// variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsFile, "MIGRATIONS_FILE")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisBroadcastChannel, "REDIS_BROADCAST_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	setFloatFromEnv(&cfg.MatcherDefaultRadiusKm, "MATCHER_DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setIntFromEnv(&cfg.DispatchMaxOfferAttempts, "DISPATCH_MAX_OFFER_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.TransitionMaxRetries, "TRANSITION_MAX_RETRIES", &errs)
	setIntFromEnv(&cfg.BroadcastBuffer, "BROADCAST_BUFFER", &errs)
	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherDefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.MatcherTopN < 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be >= 0"))
	}
	if cfg.DispatchMaxOfferAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_OFFER_ATTEMPTS must be > 0"))
	}
	if cfg.TransitionMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("TRANSITION_MAX_RETRIES must be > 0"))
	}
	if cfg.BroadcastBuffer <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location ingest consumer.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	RedisAddr             string
	RedisPassword         string
	RedisGeoKey           string
	RedisBroadcastChannel string

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:           ":2112",
		KafkaBrokers:          []string{"localhost:9092"},
		KafkaTopic:            "worker-locations",
		KafkaGroup:            "home-dispatch-consumer",
		RedisGeoKey:           "workers_geo",
		RedisBroadcastChannel: "dispatch-broadcast",
		RetryAttempts:         3,
		RetryDelay:            200 * time.Millisecond,
		LogLevel:              "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisBroadcastChannel, "REDIS_BROADCAST_CHANNEL")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
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
