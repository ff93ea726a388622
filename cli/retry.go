package main

import (
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	sleep      func(time.Duration)
}

func newRetrier(initial, max time.Duration, maxRetries int) *retrier {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{initial: initial, max: max, maxRetries: maxRetries, sleep: time.Sleep}
}

// do calls fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. A server-supplied Retry-After wins over backoff
// when it is within max.
func (r *retrier) do(fn func() error) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !isRetryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.retryAfter > 0 && statusErr.retryAfter <= r.max {
			delay = statusErr.retryAfter
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying request")
		r.sleep(delay)
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.status == http.StatusTooManyRequests || statusErr.status >= http.StatusInternalServerError
	}
	return false
}

// statusError is a non-2xx response from the server.
type statusError struct {
	status     int
	message    string
	retryAfter time.Duration
}

func newStatusError(resp *http.Response, message string) *statusError {
	e := &statusError{status: resp.StatusCode, message: message}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.retryAfter = time.Duration(secs) * time.Second
	}
	return e
}

func (e *statusError) Error() string {
	if e.message != "" {
		return "server returned " + strconv.Itoa(e.status) + ": " + e.message
	}
	return "server returned " + strconv.Itoa(e.status) + " " + http.StatusText(e.status)
}
