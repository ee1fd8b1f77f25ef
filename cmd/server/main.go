package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/home-dispatch/internal/activity"
	"github.com/example/home-dispatch/internal/booking"
	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/config"
	"github.com/example/home-dispatch/internal/dispatch"
	"github.com/example/home-dispatch/internal/eta"
	"github.com/example/home-dispatch/internal/geo"
	httpapi "github.com/example/home-dispatch/internal/http"
	"github.com/example/home-dispatch/internal/ingest"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/matcher"
	"github.com/example/home-dispatch/internal/storage"
	"github.com/example/home-dispatch/internal/tracking"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		store storage.Store
		ready []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			script, err := os.ReadFile(cfg.MigrationsFile)
			if err != nil {
				return err
			}
			if err := pg.Migrate(ctx, string(script)); err != nil {
				return err
			}
			logger.Info("migration applied", "file", cfg.MigrationsFile)
		}
		store = pg
		ready = append(ready, pg.DB().PingContext)
	} else {
		logger.Warn("PG_DSN not set; using in-memory store")
		store = storage.NewMemoryStore()
	}

	hub := broadcast.NewHub(cfg.BroadcastBuffer)
	var (
		index      geo.Index = geo.NewMemoryIndex()
		publishers broadcast.Multi
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		// Events fan out through Redis so every API replica reaches its own sockets.
		publishers = append(publishers, broadcast.NewRedisPublisher(rc, cfg.RedisBroadcastChannel))
		relay := broadcast.NewRedisRelay(rc, cfg.RedisBroadcastChannel, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("broadcast relay stopped", "error", err)
			}
		}()
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		publishers = append(publishers, hub)
	}
	if cfg.NotifyWebhookURL != "" {
		webhook := broadcast.NewWebhookPublisher(cfg.NotifyWebhookURL, logger)
		defer webhook.Close()
		publishers = append(publishers, webhook)
	}

	var queue httpapi.LocationQueue
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		queue = producer
		if cfg.KafkaEventsTopic != "" {
			sink := ingest.NewEventSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
			defer sink.Close()
			publishers = append(publishers, sink)
		}
	}

	var etaClient eta.Client = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.Cached{Next: eta.NewOSRMClient(cfg.OSRMEndpoint), Cache: eta.NewCache(cfg.ETACacheTTL)}
	}

	eng := matcher.New(store, etaClient, cfg.MatcherTopN, logger)
	eng.DefaultRadiusKm = cfg.MatcherDefaultRadiusKm
	machine := booking.NewMachine(store, publishers, cfg.TransitionMaxRetries, logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Store:    store,
		Matcher:  eng,
		Machine:  machine,
		Dispatch: dispatch.NewCoordinator(store, machine, eng, cfg.DispatchMaxOfferAttempts, logger),
		Tracker:  tracking.NewService(store, index, publishers, logger),
		Activity: activity.NewLog(store, publishers, logger),
		Hub:      hub,
		Index:    index,
		Queue:    queue,
		Ready: func(ctx context.Context) error {
			for _, check := range ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("home-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
