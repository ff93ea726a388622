package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/bouncer/pkg/ratelimit"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvProduction = "production"

// Limiter names used by the server.
const (
	LimiterForms = "forms"
	LimiterAuth  = "auth"
	LimiterAPI   = "api"
	LimiterAdmin = "admin"
)

type ServerConfig struct {
	Environment string                   `yaml:"environment"`
	Listen      string                   `yaml:"listen"`
	Database    DatabaseConfig           `yaml:"database"`
	Redis       RedisConfig              `yaml:"redis"`
	Limiters    map[string]LimiterConfig `yaml:"limiters"`
	Challenge   ChallengeConfig          `yaml:"challenge"`
	Admin       AdminConfig              `yaml:"admin"`
	Sweep       SweepConfig              `yaml:"sweep"`
	PolicyFile  string                   `yaml:"policy_file"`
	TrustProxy  bool                     `yaml:"trust_proxy"`
	Logging     LoggingConfig            `yaml:"logging"`
	Tracing     TracingConfig            `yaml:"tracing"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
}

type LimiterConfig struct {
	Capacity      int64  `yaml:"capacity"`
	WindowSeconds int    `yaml:"window_s"`
	Namespace     string `yaml:"namespace"`
}

func (l LimiterConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

type ChallengeConfig struct {
	VerifyURL string `yaml:"verify_url"`
	SecretKey string `yaml:"secret_key"`
	TimeoutS  int    `yaml:"timeout_s"`
}

type AdminConfig struct {
	Token        string `yaml:"token"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	HashSalt     string `yaml:"hash_salt"`
}

type SweepConfig struct {
	IntervalS int `yaml:"interval_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Environment: "development",
		Listen:      ":8080",
		Database:    DatabaseConfig{Path: "bouncer.db"},
		Redis: RedisConfig{
			DialTimeoutMs: 500,
			ReadTimeoutMs: 500,
		},
		Limiters: map[string]LimiterConfig{
			LimiterForms: {Capacity: 5, WindowSeconds: 60, Namespace: "forms"},
			LimiterAuth:  {Capacity: 10, WindowSeconds: 900, Namespace: "auth"},
			LimiterAPI:   {Capacity: 100, WindowSeconds: 60, Namespace: "api"},
			LimiterAdmin: {Capacity: 30, WindowSeconds: 60, Namespace: "admin"},
		},
		Challenge: ChallengeConfig{
			VerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
			TimeoutS:  5,
		},
		Sweep:      SweepConfig{IntervalS: 300},
		PolicyFile: "policy.yaml",
		Logging:    LoggingConfig{Level: "info"},
		Tracing:    TracingConfig{SampleRatio: 1},
	}
}

// Load reads config from file, then .env, then BOUNCER_* environment variables.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *ServerConfig) error {
	if v := os.Getenv("BOUNCER_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("BOUNCER_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BOUNCER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BOUNCER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BOUNCER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BOUNCER_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BOUNCER_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("BOUNCER_CHALLENGE_SECRET"); v != "" {
		cfg.Challenge.SecretKey = v
	}
	if v := os.Getenv("BOUNCER_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("BOUNCER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Distributed reports whether the shared Redis backend should be used.
func (c *ServerConfig) Distributed() bool {
	return strings.EqualFold(c.Environment, EnvProduction) && c.Redis.Addr != ""
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, &Error{"listen address is required"})
	}
	if c.Database.Path == "" {
		errs = append(errs, &Error{"database path is required"})
	}
	owners := make(map[string]string, len(c.Limiters))
	for _, name := range c.LimiterNames() {
		l := c.Limiters[name]
		if l.Capacity <= 0 {
			errs = append(errs, &Error{fmt.Sprintf("limiter %s: capacity must be positive", name)})
		}
		if l.WindowSeconds <= 0 {
			errs = append(errs, &Error{fmt.Sprintf("limiter %s: window_s must be positive", name)})
		}
		switch {
		case l.Namespace == "":
			errs = append(errs, &Error{fmt.Sprintf("limiter %s: namespace is required", name)})
		case ratelimit.ValidateNamespace(l.Namespace) != nil:
			errs = append(errs, &Error{fmt.Sprintf("limiter %s: namespace %q contains a reserved character", name, l.Namespace)})
		default:
			// Limiters sharing a namespace would share counters and flush each other.
			if owner, ok := owners[l.Namespace]; ok {
				errs = append(errs, &Error{fmt.Sprintf("limiter %s: namespace %q already used by limiter %s", name, l.Namespace, owner)})
			} else {
				owners[l.Namespace] = name
			}
		}
	}
	for _, name := range []string{LimiterForms, LimiterAuth, LimiterAPI, LimiterAdmin} {
		if _, ok := c.Limiters[name]; !ok {
			errs = append(errs, &Error{fmt.Sprintf("limiter %s is not configured", name)})
		}
	}
	if c.Challenge.TimeoutS <= 0 {
		c.Challenge.TimeoutS = 5
	}
	if c.Sweep.IntervalS <= 0 {
		c.Sweep.IntervalS = 300
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return errors.Join(errs...)
}

// LimiterNames returns the configured limiter names in sorted order.
func (c *ServerConfig) LimiterNames() []string {
	names := make([]string, 0, len(c.Limiters))
	for name := range c.Limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
