package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bouncer/pkg/config"
	"github.com/haasonsaas/bouncer/pkg/policy"
	"github.com/haasonsaas/bouncer/pkg/sweep"
	"github.com/haasonsaas/bouncer/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "bouncer.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	Version    = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger := configureLogger(cfg.Logging)
	logger.Info().Str("version", Version).Str("environment", cfg.Environment).Msg("Bouncer starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
		ServiceName:    "bouncer",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	db, err := openDatabase(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}

	var rdb redis.UniversalClient
	if cfg.Distributed() {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
			ReadTimeout: time.Duration(cfg.Redis.ReadTimeoutMs) * time.Millisecond,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, limiters will fall back to local counters")
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using distributed rate limit counters")
	} else {
		logger.Info().Msg("Using local rate limit counters")
	}

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PolicyFile).Msg("Failed to load escalation policy")
	}
	if err := pol.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid escalation policy")
	}
	logger.Info().Int("rules", len(pol.Rules)).Msg("Loaded escalation policy")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := newServer(cfg, serverDeps{db: db, redis: rdb, registry: registry, logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build server")
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := srv.routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build routes")
	}

	sweeper := sweep.New(time.Duration(cfg.Sweep.IntervalS)*time.Second, logger.With().Str("component", "sweep").Logger(), srv.sweepTasks(pol)...)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start sweeper")
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	sweeper.Stop()
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Tracer shutdown failed")
	}
}

func configureLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
	return log.Logger
}
