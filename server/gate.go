package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bouncer/pkg/ratelimit"
	"github.com/haasonsaas/bouncer/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// gate rejects blacklisted identifiers with 403 and identifiers over the
// named limiter with 429. Admitted requests carry the X-RateLimit-* headers.
// keyFn picks the identifier; an empty key falls back to the client address.
func (s *Server) gate(name string, keyFn func(*gin.Context) string) (gin.HandlerFunc, error) {
	limiter, err := s.limiter(name)
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		span := trace.SpanFromContext(ctx)
		logger := requestLogger(c, s.logger)

		id := keyFn(c)
		if id == "" {
			id = clientIP(c)
		}
		span.SetAttributes(attribute.String("gate.limiter", name))

		entry, err := s.tracker.Lookup(ctx, id)
		if err != nil {
			s.metrics.GateDecision(name, telemetry.OutcomeError)
			logger.Error().Err(err).Msg("blacklist lookup failed")
			respondError(c, http.StatusInternalServerError, "internal error", s.logger)
			return
		}
		if entry != nil {
			s.metrics.GateDecision(name, telemetry.OutcomeBlocked)
			span.AddEvent("blacklisted", trace.WithAttributes(attribute.String("reason", entry.Reason)))
			if entry.ExpiresAt != nil {
				c.Header("Retry-After", strconv.FormatInt(ratelimit.SecondsUntil(*entry.ExpiresAt, s.now()), 10))
			}
			logger.Info().Str("identifier", id).Str("reason", entry.Reason).Msg("blocked blacklisted identifier")
			respondError(c, http.StatusForbidden, "blocked", s.logger)
			return
		}

		res, err := ratelimit.Guard(ctx, limiter, id, func(res ratelimit.Result) error {
			res.SetHeaders(c.Writer.Header())
			s.metrics.GateDecision(name, telemetry.OutcomeAdmitted)
			if res.Degraded {
				span.SetAttributes(attribute.Bool("ratelimit.degraded", true))
			}
			c.Next()
			return nil
		})

		var limited *ratelimit.LimitedError
		if errors.As(err, &limited) {
			res.SetHeaders(c.Writer.Header())
			c.Header("Retry-After", strconv.FormatInt(limited.RetryAfter, 10))
			s.metrics.GateDecision(name, telemetry.OutcomeLimited)
			span.AddEvent("rate_limited", trace.WithAttributes(attribute.Int64("retry_after", limited.RetryAfter)))
			respondErrorWith(c, http.StatusTooManyRequests, "too_many_requests", gin.H{"retry_after": limited.RetryAfter}, s.logger)
		}
	}, nil
}
