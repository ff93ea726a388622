package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bouncer/pkg/abuse"
	"github.com/haasonsaas/bouncer/pkg/auth"
	"github.com/haasonsaas/bouncer/pkg/config"
	"github.com/haasonsaas/bouncer/pkg/health"
	"github.com/haasonsaas/bouncer/pkg/policy"
	"github.com/haasonsaas/bouncer/pkg/ratelimit"
	"github.com/haasonsaas/bouncer/pkg/sweep"
	"github.com/haasonsaas/bouncer/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const healthCheckTimeout = 2 * time.Second

type Server struct {
	cfg      *config.ServerConfig
	db       *gorm.DB
	shared   *ratelimit.RedisStore
	local    *ratelimit.MemoryStore
	limiters map[string]*ratelimit.Limiter
	tracker  *abuse.Tracker
	hasher   auth.TokenHasher
	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	now      func() time.Time
}

type serverDeps struct {
	db       *gorm.DB
	redis    redis.UniversalClient
	registry *prometheus.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// newServer builds the limiters and the abuse tracker from cfg. redis may be
// nil, in which case every limiter counts locally.
func newServer(cfg *config.ServerConfig, deps serverDeps) (*Server, error) {
	if deps.now == nil {
		deps.now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		db:       deps.db,
		local:    ratelimit.NewMemoryStore(),
		limiters: make(map[string]*ratelimit.Limiter, len(cfg.Limiters)),
		hasher:   auth.NewTokenHasher([]byte(cfg.Admin.HashSalt)),
		metrics:  telemetry.NewMetrics(deps.registry),
		gatherer: deps.registry,
		logger:   deps.logger,
		now:      deps.now,
	}

	if deps.redis != nil {
		s.shared = ratelimit.NewRedisStore(deps.redis)
	}
	primary := ratelimit.Backend(cfg.Distributed(), s.shared, s.local)
	for _, name := range cfg.LimiterNames() {
		lc := cfg.Limiters[name]
		limiter, err := ratelimit.New(ratelimit.Config{
			Name:      name,
			Capacity:  lc.Capacity,
			Window:    lc.Window(),
			Namespace: lc.Namespace,
		}, primary,
			ratelimit.WithFallback(s.local),
			ratelimit.WithClock(deps.now),
			ratelimit.WithLogger(deps.logger),
			ratelimit.WithDegradationHook(s.metrics.Degraded),
		)
		if err != nil {
			return nil, err
		}
		s.limiters[name] = limiter
	}

	challengeHasher := auth.NewTokenHasher([]byte(cfg.Challenge.SecretKey))
	s.tracker = abuse.NewTracker(deps.db,
		abuse.WithVerifier(abuse.NewHTTPVerifier(
			cfg.Challenge.VerifyURL,
			cfg.Challenge.SecretKey,
			time.Duration(cfg.Challenge.TimeoutS)*time.Second,
		)),
		abuse.WithReplayGuard(abuse.NewReplayGuard(deps.db, challengeHasher, abuse.RecordRetention)),
		abuse.WithTrackerClock(deps.now),
		abuse.WithTrackerLogger(deps.logger.With().Str("component", "abuse").Logger()),
		abuse.WithVerificationHook(s.metrics.ChallengeVerified),
	)
	return s, nil
}

func (s *Server) limiter(name string) (*ratelimit.Limiter, error) {
	l, ok := s.limiters[name]
	if !ok {
		return nil, fmt.Errorf("limiter %q is not configured", name)
	}
	return l, nil
}

func (s *Server) routes() (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger, s.cfg.TrustProxy))

	r.GET("/v1/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	byIP := func(c *gin.Context) string { return clientIP(c) }

	api, err := s.gate(config.LimiterAPI, byIP)
	if err != nil {
		return nil, err
	}
	forms, err := s.gate(config.LimiterForms, byIP)
	if err != nil {
		return nil, err
	}
	login, err := s.gate(config.LimiterAuth, byIP)
	if err != nil {
		return nil, err
	}
	adminGate, err := s.gate(config.LimiterAdmin, byIP)
	if err != nil {
		return nil, err
	}

	r.GET("/v1/ping", api, s.handlePing)
	r.POST("/v1/forms/contact", forms, s.handleContact)
	r.POST("/v1/auth/login", login, s.handleLogin)

	admin := r.Group("/v1/admin", adminGate, s.requireAdmin)
	admin.POST("/blacklist", s.handleAddBlacklist)
	admin.GET("/blacklist", s.handleListBlacklist)
	admin.GET("/standing/:identifier", s.handleStanding)
	admin.POST("/cleanup", s.handleCleanup)
	admin.DELETE("/limits/:name", s.handleFlushLimiter)

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	deps := []health.Dependency{{
		Name:     "database",
		Required: true,
		Check: func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if s.shared != nil {
		deps = append(deps, health.Dependency{
			Name:  "redis",
			Check: s.shared.Ping,
		})
	}

	status := health.Check(c.Request.Context(), healthCheckTimeout, deps...)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// sweepTasks lists the periodic maintenance run by the sweeper.
func (s *Server) sweepTasks(pol *policy.Policy) []sweep.Task {
	tasks := []sweep.Task{
		{
			Name: "local-counters",
			Run: func(context.Context) error {
				if n := s.local.Sweep(s.now()); n > 0 {
					s.logger.Debug().
						Int("removed", n).
						Int("remaining", s.local.Stats().Keys).
						Msg("expired local counters swept")
				}
				return nil
			},
		},
		{
			Name: "abuse-records",
			Run: func(ctx context.Context) error {
				report, err := s.tracker.CleanupOldRecords(ctx)
				if err != nil {
					return err
				}
				s.logger.Info().
					Int64("blacklist", report.Blacklist).
					Int64("failed_attempts", report.FailedAttempts).
					Int64("challenge_tokens", report.ChallengeTokens).
					Msg("abuse records cleaned")
				return nil
			},
		},
	}
	if pol != nil && len(pol.Rules) > 0 {
		tasks = append(tasks, sweep.Task{
			Name: "escalation",
			Run: func(ctx context.Context) error {
				_, err := policy.Enforce(ctx, pol, s.tracker, s.now(), s.logger.With().Str("component", "policy").Logger())
				return err
			},
		})
	}
	return tasks
}
