package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("invalid rate limiter config")

const keyPrefix = "ratelimit:"

// Config describes one named limiter. It is copied on construction.
type Config struct {
	Name      string
	Capacity  int64
	Window    time.Duration
	Namespace string
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: %s: capacity must be positive", ErrInvalidConfig, c.Name)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidConfig, c.Name)
	}
	if problem := namespaceProblem(c.Namespace); problem != "" {
		return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, c.Name, problem)
	}
	return nil
}

// namespaceReserved holds the key separator and the SCAN MATCH glob
// characters. A namespace containing one could overlap another namespace's
// keys on Cleanup.
const namespaceReserved = ":*?[]\\"

// ValidateNamespace rejects empty namespaces and those containing the key
// separator or glob characters.
func ValidateNamespace(ns string) error {
	if problem := namespaceProblem(ns); problem != "" {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, problem)
	}
	return nil
}

func namespaceProblem(ns string) string {
	if ns == "" {
		return "namespace is required"
	}
	if strings.ContainsAny(ns, namespaceReserved) {
		return fmt.Sprintf("namespace %q must not contain any of %q", ns, namespaceReserved)
	}
	return ""
}

// Result is the outcome of a single Check.
type Result struct {
	Admitted  bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// Degraded is set when the primary store failed and the decision came
	// from the local fallback.
	Degraded bool
}

// RetryAfterSeconds rounds the time until ResetAt up to whole seconds.
func (r Result) RetryAfterSeconds(now time.Time) int64 {
	return SecondsUntil(r.ResetAt, now)
}

// SecondsUntil rounds the time from now until t up to whole seconds at
// millisecond precision, never below zero.
func SecondsUntil(t, now time.Time) int64 {
	ms := t.Sub(now).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(ms) / 1000))
}

// SetHeaders writes the X-RateLimit-* headers.
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
}

// DegradationHook observes primary store failures that were absorbed by
// the fallback.
type DegradationHook func(limiter string, err error)

type Option func(*Limiter)

// WithFallback sets the store used when the primary store returns an error.
func WithFallback(store CounterStore) Option {
	return func(l *Limiter) { l.fallback = store }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithDegradationHook(hook DegradationHook) Option {
	return func(l *Limiter) { l.onDegrade = hook }
}

// Limiter admits or rejects events for an identifier under one Config.
type Limiter struct {
	cfg       Config
	primary   CounterStore
	fallback  CounterStore
	now       func() time.Time
	logger    zerolog.Logger
	onDegrade DegradationHook
}

func New(cfg Config, primary CounterStore, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, fmt.Errorf("%w: %s: store is required", ErrInvalidConfig, cfg.Name)
	}
	l := &Limiter{
		cfg:     cfg,
		primary: primary,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback == nil {
		l.fallback = NewMemoryStore()
	}
	return l, nil
}

func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) key(identifier string) string {
	return l.prefix() + identifier
}

func (l *Limiter) prefix() string {
	return keyPrefix + l.cfg.Namespace + ":"
}

// Check records an event for identifier and decides whether it is admitted.
// Rejected events still count. Check never fails: a primary store error is
// reported through the degradation hook and the call is answered by the
// fallback store instead.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	now := l.now()
	key := l.key(identifier)

	w, err := l.primary.Hit(ctx, key, l.cfg.Window, now)
	if err == nil {
		return l.decide(w, false)
	}

	l.logger.Warn().Err(err).
		Str("limiter", l.cfg.Name).
		Str("namespace", l.cfg.Namespace).
		Msg("rate limiter degraded to local counters")
	if l.onDegrade != nil {
		l.onDegrade(l.cfg.Name, err)
	}

	w, err = l.fallback.Hit(ctx, key, l.cfg.Window, now)
	if err != nil {
		l.logger.Error().Err(err).Str("limiter", l.cfg.Name).Msg("fallback counter failed, admitting")
		return Result{
			Admitted:  true,
			Limit:     l.cfg.Capacity,
			Remaining: l.cfg.Capacity - 1,
			ResetAt:   now.Add(l.cfg.Window),
			Degraded:  true,
		}
	}
	return l.decide(w, true)
}

func (l *Limiter) decide(w Window, degraded bool) Result {
	remaining := l.cfg.Capacity - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Admitted:  w.Count <= l.cfg.Capacity,
		Limit:     l.cfg.Capacity,
		Remaining: remaining,
		ResetAt:   w.ResetAt,
		Degraded:  degraded,
	}
}

// Cleanup removes every counter under the limiter's namespace from both
// stores. Meant for tests and administrative resets.
func (l *Limiter) Cleanup(ctx context.Context) error {
	prefix := l.prefix()
	primaryErr := l.primary.Flush(ctx, prefix)
	fallbackErr := l.fallback.Flush(ctx, prefix)
	return errors.Join(primaryErr, fallbackErr)
}

// LimitedError is returned by Guard when the identifier is over its limit.
type LimitedError struct {
	RetryAfter int64
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

// Guard checks identifier against l and calls next only when admitted. next
// receives the Result so it can attach metadata before producing output.
// When rejected, the returned error is a *LimitedError.
func Guard(ctx context.Context, l *Limiter, identifier string, next func(Result) error) (Result, error) {
	res := l.Check(ctx, identifier)
	if !res.Admitted {
		return res, &LimitedError{RetryAfter: res.RetryAfterSeconds(l.now())}
	}
	return res, next(res)
}
