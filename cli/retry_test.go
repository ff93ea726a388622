package main

import (
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := backoffWithJitter(initial, maxDelay, attempt)
		require.GreaterOrEqual(t, delay, initial/2)
		require.LessOrEqual(t, delay, maxDelay)
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := newRetrier(100*time.Millisecond, 200*time.Millisecond, 3)
	var slept []time.Duration
	r.sleep = func(d time.Duration) { slept = append(slept, d) }

	var attempts int
	err := r.do(func() error {
		attempts++
		if attempts < 2 {
			return &statusError{status: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Len(t, slept, 1)
}

func TestRetrierHonoursRetryAfter(t *testing.T) {
	r := newRetrier(10*time.Millisecond, 5*time.Second, 1)
	var slept []time.Duration
	r.sleep = func(d time.Duration) { slept = append(slept, d) }

	err := r.do(func() error {
		return &statusError{status: http.StatusTooManyRequests, retryAfter: 2 * time.Second}
	})
	require.Error(t, err)
	require.Equal(t, []time.Duration{2 * time.Second}, slept)
}

func TestRetrierDoesNotRetryClientErrors(t *testing.T) {
	r := newRetrier(time.Millisecond, time.Millisecond, 5)
	r.sleep = func(time.Duration) { t.Fatal("unexpected retry") }

	var attempts int
	err := r.do(func() error {
		attempts++
		return &statusError{status: http.StatusUnauthorized, message: "invalid bearer token"}
	})
	require.EqualError(t, err, "server returned 401: invalid bearer token")
	require.Equal(t, 1, attempts)
}

func TestIsRetryable(t *testing.T) {
	require.False(t, isRetryable(nil))
	require.True(t, isRetryable(&statusError{status: http.StatusBadGateway}))
	require.True(t, isRetryable(&statusError{status: http.StatusTooManyRequests}))
	require.False(t, isRetryable(&statusError{status: http.StatusForbidden}))
	require.False(t, isRetryable(errors.New("generic")))
	require.True(t, isRetryable(&net.DNSError{IsTemporary: true}))
}
