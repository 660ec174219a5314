package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/ratelimit"
	redisrepo "chat-auth-guard/internal/repository/redis"
	"chat-auth-guard/internal/util"
)

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Environment: config.EnvDevelopment,
		Server: config.ServerConfig{
			WriteTimeout: 5 * time.Second,
			CORSOrigins:  []string{"https://*"},
		},
		Upstream: config.UpstreamConfig{
			URL:             upstreamURL,
			AuthRoutePrefix: "/api/auth",
			Timeout:         5 * time.Second,
		},
		RateLimit: config.RateLimitConfig{
			Store:          config.StoreMemory,
			CheckTimeout:   time.Second,
			RecordTimeout:  time.Second,
			SweepInterval:  time.Hour,
			MaxBodyBytes:   1 << 16,
			RecordInFlight: 16,
		},
		Redis:     config.RedisConfig{KeyPrefix: "auth_rl", PoolSize: 4},
		Bucketing: config.BucketingConfig{RecordBuckets: 4},
		Events:    config.EventsConfig{BufferSize: 16, Workers: 1, Timeout: time.Second},
	}
}

func TestFactory_MemoryStoreGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	f, err := NewFactory(testConfig(upstream.URL))
	require.NoError(t, err)
	assert.IsType(t, &ratelimit.MemoryStore{}, f.Store())
	assert.Empty(t, f.HealthChecks())
	assert.Nil(t, f.TLSManager())

	router, err := f.NewRouter()
	require.NoError(t, err)

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@x.com"}`))
		req.RemoteAddr = "203.0.113.9:1000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	for range 5 {
		require.Equal(t, http.StatusUnauthorized, post())
	}
	// Recordings are asynchronous.
	assert.Eventually(t, func() bool {
		return post() == http.StatusTooManyRequests
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}

func TestFactory_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateLimit.Store = config.StoreRedis
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	f, err := NewFactory(cfg)
	require.NoError(t, err)
	defer f.Close()

	assert.IsType(t, &redisrepo.RateLimitStore{}, f.Store())
	assert.Contains(t, f.HealthChecks(), "redis")
	assert.Empty(t, f.HealthCheck(context.Background()))
}

func TestFactory_DevelopmentFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateLimit.Store = config.StoreRedis
	cfg.Redis.URL = "redis://" + addr + "/0"

	f, err := NewFactory(cfg)
	require.NoError(t, err)
	defer f.Close()

	assert.IsType(t, &ratelimit.MemoryStore{}, f.Store())
	assert.NotContains(t, f.HealthChecks(), "redis")
}

func TestFactory_ProductionRequiresStore(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Environment = config.EnvProduction
	cfg.RateLimit.Store = config.StoreRedis
	cfg.Redis.URL = "redis://" + addr + "/0"

	_, err := NewFactory(cfg)
	assert.Error(t, err)
}

func TestFactory_CloseLogsEachClientOnce(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateLimit.Store = config.StoreRedis
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	f, err := NewFactory(cfg)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	restore := util.ReplaceForTest(zap.New(core))
	defer restore()

	require.NoError(t, f.Close())

	seen := map[string]int{}
	for _, entry := range logs.All() {
		seen[entry.Message]++
	}
	assert.Equal(t, 1, seen["Redis client closed"])
	for msg, n := range seen {
		assert.Equal(t, 1, n, "message %q logged %d times", msg, n)
	}
}
