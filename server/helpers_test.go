package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bouncer/pkg/auth"
	"github.com/haasonsaas/bouncer/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testAdminToken = "admin-secret"
	testUsername   = "operator"
	testPassword   = "hunter2"
	testSalt       = "pepper"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	server *Server
	router *gin.Engine
	db     *gorm.DB
	clock  *fakeClock
}

type envOption func(*config.ServerConfig)

func withRedis(addr string) envOption {
	return func(cfg *config.ServerConfig) {
		cfg.Environment = config.EnvProduction
		cfg.Redis.Addr = addr
	}
}

// newTestEnv builds a server on an in-memory database with an api limit of
// three and a stub challenge endpoint that accepts tokens prefixed "good".
func newTestEnv(t *testing.T, opts ...envOption) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := openDatabase(dsn, zerolog.Nop())
	require.NoError(t, err)

	verify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		ok := strings.HasPrefix(r.PostForm.Get("response"), "good")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": ok})
	}))
	t.Cleanup(verify.Close)

	cfg := config.DefaultConfig()
	cfg.Limiters[config.LimiterAPI] = config.LimiterConfig{Capacity: 3, WindowSeconds: 60, Namespace: "api"}
	cfg.Challenge.VerifyURL = verify.URL
	cfg.Challenge.SecretKey = "challenge-secret"
	cfg.Admin = config.AdminConfig{
		Token:        testAdminToken,
		Username:     testUsername,
		HashSalt:     testSalt,
		PasswordHash: auth.NewTokenHasher([]byte(testSalt)).HashString(testPassword),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	require.NoError(t, cfg.Validate())

	var rdb redis.UniversalClient
	if cfg.Distributed() {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, MaxRetries: -1})
		t.Cleanup(func() { _ = client.Close() })
		rdb = client
	}

	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
	srv, err := newServer(cfg, serverDeps{
		db:       db,
		redis:    rdb,
		registry: prometheus.NewRegistry(),
		logger:   zerolog.Nop(),
		now:      clock.Now,
	})
	require.NoError(t, err)

	router, err := srv.routes()
	require.NoError(t, err)

	return testEnv{server: srv, router: router, db: db, clock: clock}
}

func (e testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bouncer-test")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e testEnv) admin(method, path string, body any) *httptest.ResponseRecorder {
	return e.do(method, path, body, "Authorization", "Bearer "+testAdminToken)
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func (e testEnv) scrape(t *testing.T) string {
	t.Helper()
	resp := e.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	return resp.Body.String()
}
