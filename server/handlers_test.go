package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/haasonsaas/bouncer/pkg/abuse"
	"github.com/stretchr/testify/require"
)

func countAttempts(t *testing.T, env testEnv, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.db.Model(&abuse.FailedAttempt{}).Where("action_kind = ?", action).Count(&n).Error)
	return n
}

func TestContactFormTracksInvalidSubmissions(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/forms/contact", map[string]string{
		"name": "Mallory", "email": "not-an-email", "message": "buy now",
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, int64(1), countAttempts(t, env, actionContactForm))

	var attempt abuse.FailedAttempt
	require.NoError(t, env.db.First(&attempt).Error)
	require.Equal(t, "192.0.2.1", attempt.PrimaryIdentifier)
	require.NotNil(t, attempt.SecondaryIdentifier)
	require.Equal(t, "not-an-email", *attempt.SecondaryIdentifier)
	require.NotNil(t, attempt.UserAgent)
	require.Equal(t, "bouncer-test", *attempt.UserAgent)

	resp = env.do(http.MethodPost, "/v1/forms/contact", map[string]string{
		"name": "Ada", "email": "ada@example.com", "message": "hello",
	})
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Equal(t, int64(1), countAttempts(t, env, actionContactForm))
}

func TestContactFormRequiresChallengeOnceFlagged(t *testing.T) {
	env := newTestEnv(t)
	invalid := map[string]string{"name": "Mallory", "email": "nope", "message": "spam"}
	valid := map[string]string{"name": "Mallory", "email": "mallory@example.com", "message": "hello"}

	for i, want := range []bool{false, false, true} {
		resp := env.do(http.MethodPost, "/v1/forms/contact", invalid)
		require.Equal(t, http.StatusBadRequest, resp.Code, "submission %d", i+1)
		require.Equal(t, want, decode(t, resp)["challenge_required"], "submission %d", i+1)
	}

	resp := env.do(http.MethodPost, "/v1/forms/contact", valid)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "challenge_required", decode(t, resp)["error"])
	require.Equal(t, int64(1), countAttempts(t, env, actionChallenge))

	valid["challenge_token"] = "good-contact"
	resp = env.do(http.MethodPost, "/v1/forms/contact", valid)
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Equal(t, "received", decode(t, resp)["status"])
}

func TestLoginSucceedsWithValidCredentials(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"username": testUsername, "password": testPassword,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "10", resp.Header().Get("X-RateLimit-Limit"))
}

func TestLoginRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/v1/auth/login", map[string]string{"username": testUsername})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Zero(t, countAttempts(t, env, actionLogin))
}

func TestLoginEscalatesToChallenge(t *testing.T) {
	env := newTestEnv(t)
	bad := map[string]string{"username": testUsername, "password": "wrong"}

	for i, want := range []bool{false, false, true} {
		resp := env.do(http.MethodPost, "/v1/auth/login", bad)
		require.Equal(t, http.StatusUnauthorized, resp.Code, "attempt %d", i+1)
		body := decode(t, resp)
		require.Equal(t, "invalid_credentials", body["error"])
		require.Equal(t, want, body["challenge_required"], "attempt %d", i+1)
	}
	require.Equal(t, int64(3), countAttempts(t, env, actionLogin))

	// Correct password without a token is still refused.
	resp := env.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"username": testUsername, "password": testPassword,
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "challenge_required", decode(t, resp)["error"])
	require.Equal(t, int64(1), countAttempts(t, env, actionChallenge))

	resp = env.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"username": testUsername, "password": testPassword, "challenge_token": "bad-token",
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, int64(2), countAttempts(t, env, actionChallenge))

	resp = env.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"username": testUsername, "password": testPassword, "challenge_token": "good-1",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	// A verified token cannot be used twice.
	resp = env.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"username": testUsername, "password": testPassword, "challenge_token": "good-1",
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "challenge_required", decode(t, resp)["error"])

	metrics := env.scrape(t)
	require.Contains(t, metrics, `bouncer_challenge_verifications_total{result="accepted"} 1`)
	require.Contains(t, metrics, `bouncer_challenge_verifications_total{result="rejected"} 3`)
}

func TestChallengeFollowsUsernameAcrossAddresses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.server.tracker.TrackFailedAttempt(ctx, "198.51.100.7", testUsername, "", actionLogin))
	}

	resp := env.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"username": testUsername, "password": testPassword,
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "challenge_required", decode(t, resp)["error"])
}

func TestPingReportsOK(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "ok", decode(t, resp)["status"])
}
