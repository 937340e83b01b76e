package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/api"
	"github.com/hackgods/clinic-agenda/internal/appointment"
	"github.com/hackgods/clinic-agenda/internal/config"
	"github.com/hackgods/clinic-agenda/internal/db"
	"github.com/hackgods/clinic-agenda/internal/events"
	"github.com/hackgods/clinic-agenda/internal/logging"
	"github.com/hackgods/clinic-agenda/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-agenda/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "dev")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	logger.Info().
		Str("http_port", cfg.HTTPPort).
		Str("timezone", cfg.Location.String()).
		Dur("lock_ttl", cfg.LockTTL).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.Connect(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	repo := appointment.NewPgRepository(pgPool)
	sink := events.Fanout{repo}
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("rabbitmq connection error")
		}
		defer publisher.Close()
		sink = append(sink, publisher)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing appointment events")
	}

	reg := prometheus.DefaultRegisterer
	scheduler := appointment.NewScheduler(repo,
		appointment.WithLocker(redisclient.NewRedisResourceLocker(rdb, cfg.LockTTL)),
		appointment.WithIdempotencyStore(redisclient.NewIdempotencyStore(rdb, cfg.IdempotencyTTL)),
		appointment.WithEventSink(sink),
		appointment.WithMetrics(metrics.NewSchedulerMetrics(reg)),
		appointment.WithLogger(logger.With().Str("component", "scheduler").Logger()),
		appointment.WithLocation(cfg.Location),
	)
	svc := agenda.NewService(scheduler, repo, repo,
		agenda.WithBlockSource(repo),
		agenda.WithLogger(logger.With().Str("component", "agenda").Logger()),
		agenda.WithLocation(cfg.Location),
		agenda.WithWorkingHours(cfg.WorkingHoursPerDay),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		Dependencies: []api.Dependency{api.PostgresDependency(pgPool), api.RedisDependency(rdb)},
		Logger:       logger,
		HTTPMetrics:  metrics.NewHTTPMetrics(reg),
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
