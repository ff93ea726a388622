package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/haasonsaas/bouncer/pkg/abuse"
	"github.com/haasonsaas/bouncer/pkg/telemetry"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestGateAdmitsUntilCapacityThenLimits(t *testing.T) {
	env := newTestEnv(t)

	for _, remaining := range []string{"2", "1", "0"} {
		resp := env.do(http.MethodGet, "/v1/ping", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, "3", resp.Header().Get("X-RateLimit-Limit"))
		require.Equal(t, remaining, resp.Header().Get("X-RateLimit-Remaining"))
		require.NotEmpty(t, resp.Header().Get("X-RateLimit-Reset"))
	}

	resp := env.do(http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "60", resp.Header().Get("Retry-After"))
	require.Equal(t, "0", resp.Header().Get("X-RateLimit-Remaining"))
	body := decode(t, resp)
	require.Equal(t, "too_many_requests", body["error"])
	require.EqualValues(t, 60, body["retry_after"])

	env.clock.Advance(61 * time.Second)
	resp = env.do(http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "2", resp.Header().Get("X-RateLimit-Remaining"))

	metrics := env.scrape(t)
	require.Contains(t, metrics, `bouncer_gate_decisions_total{limiter="api",outcome="admitted"} 4`)
	require.Contains(t, metrics, `bouncer_gate_decisions_total{limiter="api",outcome="limited"} 1`)
}

func TestGateLimitsAreIndependentPerLimiter(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.do(http.MethodGet, "/v1/ping", nil)
	}
	resp := env.do(http.MethodPost, "/v1/forms/contact", map[string]string{
		"name": "Ada", "email": "ada@example.com", "message": "hello",
	})
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
}

func TestGateBlocksBlacklistedIdentifier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.server.tracker.Blacklist(ctx, "192.0.2.1", "scraping", abuse.For(90*time.Second)))

	resp := env.do(http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Equal(t, "blocked", decode(t, resp)["error"])
	require.Equal(t, "90", resp.Header().Get("Retry-After"))
	require.Empty(t, resp.Header().Get("X-RateLimit-Limit"))

	env.clock.Advance(91 * time.Second)
	resp = env.do(http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestGatePermanentBlockHasNoRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.server.tracker.Blacklist(context.Background(), "192.0.2.1", "fraud", abuse.Permanent()))

	resp := env.do(http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Empty(t, resp.Header().Get("Retry-After"))
	require.Contains(t, env.scrape(t), `bouncer_gate_decisions_total{limiter="api",outcome="blocked"} 1`)
}

func TestGateSharesCountersThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestEnv(t, withRedis(mr.Addr()))
	b := newTestEnv(t, withRedis(mr.Addr()))
	b.clock.now = a.clock.Now()

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/ping", nil).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodGet, "/v1/ping", nil).Code)
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/ping", nil).Code)

	resp := b.do(http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "0", resp.Header().Get("X-RateLimit-Remaining"))
}

func TestGateDegradesWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newTestEnv(t, withRedis(mr.Addr()))
	mr.Close()

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/ping", nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/v1/ping", nil).Code)

	metrics := env.scrape(t)
	require.Contains(t, metrics, `bouncer_ratelimit_degraded_total{limiter="api"} 4`)

	resp := env.do(http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	require.Equal(t, true, body["healthy"])
	require.Equal(t, true, body["degraded"])
	deps := body["dependencies"].([]any)
	require.Len(t, deps, 2)
	redisDep := deps[1].(map[string]any)
	require.Equal(t, "redis", redisDep["name"])
	require.Equal(t, false, redisDep["ok"])
}

func TestGateRecordsSpanEvents(t *testing.T) {
	recorder := telemetry.NewSpanRecorder()
	provider, err := telemetry.SetupTracing(context.Background(), telemetry.TracingOptions{
		ServiceName: "bouncer-test",
		Processors:  []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.do(http.MethodGet, "/v1/ping", nil)
	}

	require.NotNil(t, recorder.FirstSpanNamed("GET /v1/ping"))
	require.Contains(t, recorder.EventNames("GET /v1/ping"), "rate_limited")
}
