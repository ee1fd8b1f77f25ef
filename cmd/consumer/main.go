package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/config"
	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/ingest"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/storage"
	"github.com/example/home-dispatch/internal/tracking"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total worker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	pingsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_recorded_total",
		Help: "Total pings persisted",
	})
	recordErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_record_errors_total",
		Help: "Total pings dropped after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pingsRecorded, recordErrors)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel)
	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required; the consumer shares state with the API")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		index     geo.Index
		publisher broadcast.Publisher = broadcast.Nop{}
		rc        *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		publisher = broadcast.NewRedisPublisher(rc, cfg.RedisBroadcastChannel)
	}
	tracker := tracking.NewService(store, index, publisher, logger)

	go serveMetrics(cfg.MetricsAddr, store, rc, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var p ingest.Ping
		if err := json.Unmarshal(m.Value, &p); err != nil || p.WorkerID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := recordWithRetry(ctx, tracker, p.Input(), cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			if tracking.IsInvalid(err) {
				msgsInvalid.Inc()
			} else {
				recordErrors.Inc()
			}
			logger.Warn("ping dropped", "worker_id", p.WorkerID, "error", err)
			continue
		}
		pingsRecorded.Inc()
	}
}

func serveMetrics(addr string, store *storage.PostgresStore, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
			return
		}
		if rc != nil {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// LocationRecorder is the slice of the tracking service the consumer drives.
type LocationRecorder interface {
	RecordLocation(ctx context.Context, in tracking.LocationInput) (*models.LocationSample, error)
}

// recordWithRetry retries transient failures with doubling delay. Invalid
// coordinates and unknown workers fail immediately.
func recordWithRetry(ctx context.Context, rec LocationRecorder, in tracking.LocationInput, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = rec.RecordLocation(ctx, in); err == nil {
			return nil
		}
		if tracking.IsInvalid(err) || i == attempts-1 {
			return err
		}
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
