package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-auth-guard/internal/ratelimit"
	"chat-auth-guard/internal/util"
)

// syncLimiter records inline so assertions need no polling.
type syncLimiter struct {
	*ratelimit.Engine
}

func (l syncLimiter) RecordAsync(address, identifier string, success bool) {
	l.Record(context.Background(), address, identifier, success)
}

type gateway struct {
	router        http.Handler
	engine        *ratelimit.Engine
	upstreamCalls *atomic.Int32
}

func newGateway(t *testing.T, adminToken string, checks map[string]HealthCheck, trusted ...netip.Prefix) *gateway {
	t.Helper()

	calls := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		if strings.Contains(string(body), `"password":"wrong"`) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	proxy, err := NewUpstreamProxy(upstream.URL, 5*time.Second)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := ratelimit.NewEngine(ratelimit.NewMemoryStore(), ratelimit.Options{
		Clock:  ratelimit.ClockFunc(func() time.Time { return now }),
		Logger: zap.NewNop(),
	})

	router := NewRouter(RouterConfig{
		AuthRoutePrefix: "/api/auth",
		TrustedProxies:  trusted,
		Guard:           NewGuard(syncLimiter{engine}, 1<<16, zap.NewNop()),
		Upstream:        proxy,
		Admin:           NewAdminHandler(engine, adminToken),
		HealthChecks:    checks,
		Logger:          zap.NewNop(),
	})
	return &gateway{router: router, engine: engine, upstreamCalls: calls}
}

func (g *gateway) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	return g.doFrom("198.51.100.4:40000", method, path, body, header)
}

func (g *gateway) doFrom(remoteAddr, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_LoginLockout(t *testing.T) {
	g := newGateway(t, "", nil)

	for i := range 5 {
		rec := g.do(http.MethodPost, "/api/auth/login", `{"email":"a@x.com","password":"wrong"}`, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
		assert.Equal(t, "/api/auth/login", rec.Header().Get("X-Upstream-Path"))
	}
	require.EqualValues(t, 5, g.upstreamCalls.Load())

	rec := g.do(http.MethodPost, "/api/auth/login", `{"email":"a@x.com","password":"right"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 5, g.upstreamCalls.Load())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 900, body["retryAfter"])
	assert.EqualValues(t, 10, body["nextLockoutAt"])

	// Same address, different account: the address scope is locked too.
	rec = g.do(http.MethodPost, "/api/auth/login", `{"email":"b@x.com","password":"right"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRouter_ForwardedHeadersFromUntrustedPeerAreIgnored(t *testing.T) {
	g := newGateway(t, "", nil)

	for i := range 5 {
		body := fmt.Sprintf(`{"email":"user%d@x.com","password":"wrong"}`, i)
		header := map[string]string{
			"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i+1),
			"X-Real-IP":       fmt.Sprintf("203.0.113.%d", i+100),
			"True-Client-IP":  fmt.Sprintf("203.0.113.%d", i+200),
		}
		rec := g.do(http.MethodPost, "/api/auth/login", body, header)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := g.do(http.MethodPost, "/api/auth/login", `{"email":"fresh@x.com","password":"right"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.250"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	stored, _, err := g.engine.Inspect(context.Background(), "address", "198.51.100.4")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotNil(t, stored.LockedUntil)

	stored, _, err = g.engine.Inspect(context.Background(), "address", "203.0.113.1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRouter_ForwardedHeadersFromTrustedPeer(t *testing.T) {
	g := newGateway(t, "", nil, netip.MustParsePrefix("10.0.0.0/8"))
	const proxyAddr = "10.1.2.3:51000"

	for range 5 {
		rec := g.doFrom(proxyAddr, http.MethodPost, "/api/auth/login", `{"email":"a@x.com","password":"wrong"}`,
			map[string]string{"X-Forwarded-For": "203.0.113.7"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// The forwarded client is locked out.
	rec := g.doFrom(proxyAddr, http.MethodPost, "/api/auth/login", `{"email":"b@x.com","password":"right"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.7"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another client behind the same proxy is not.
	rec = g.doFrom(proxyAddr, http.MethodPost, "/api/auth/login", `{"email":"c@x.com","password":"right"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.8"})
	assert.Equal(t, http.StatusOK, rec.Code)

	stored, _, err := g.engine.Inspect(context.Background(), "address", "10.1.2.3")
	require.NoError(t, err)
	assert.Nil(t, stored)

	// A peer outside the trusted range cannot borrow the mechanism.
	for range 5 {
		g.doFrom("198.51.100.9:40000", http.MethodPost, "/api/auth/login", `{"email":"d@x.com","password":"wrong"}`,
			map[string]string{"X-Forwarded-For": "203.0.113.9"})
	}
	stored, _, err = g.engine.Inspect(context.Background(), "address", "198.51.100.9")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 5, stored.FailedAttempts)
}

func TestTrustedRealIP_PeerMatching(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("fd00::/8")}

	tests := []struct {
		name   string
		remote string
		want   string
	}{
		{name: "trusted v4", remote: "10.0.0.5:1234", want: "203.0.113.7"},
		{name: "trusted v6", remote: "[fd00::1]:1234", want: "203.0.113.7"},
		{name: "v4-mapped trusted", remote: "[::ffff:10.0.0.5]:1234", want: "203.0.113.7"},
		{name: "untrusted", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "unparseable peer", remote: "garbage", want: "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = util.ClientAddress(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-Forwarded-For", "203.0.113.7")
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_RegisterSuccessIsNotCounted(t *testing.T) {
	g := newGateway(t, "", nil)

	for range 10 {
		rec := g.do(http.MethodPost, "/api/auth/register", `{"email":"new@x.com","password":"ok"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, d, err := g.engine.Inspect(context.Background(), "identifier", "new@x.com")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.True(t, d.Allowed)
}

func TestRouter_UnguardedPathsAreProxied(t *testing.T) {
	g := newGateway(t, "", nil)

	rec := g.do(http.MethodGet, "/api/conversations/42", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/conversations/42", rec.Header().Get("X-Upstream-Path"))

	rec = g.do(http.MethodGet, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/auth/login", rec.Header().Get("X-Upstream-Path"))

	rec = g.do(http.MethodPost, "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/auth/logout", rec.Header().Get("X-Upstream-Path"))
	assert.EqualValues(t, 3, g.upstreamCalls.Load())
}

func TestRouter_Health(t *testing.T) {
	g := newGateway(t, "", map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})
	rec := g.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"chat-auth-guard","dependencies":{"redis":"healthy"}}`, rec.Body.String())

	g = newGateway(t, "", map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
		"kafka": func(context.Context) error { return errors.New("no brokers") },
	})
	rec = g.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","service":"chat-auth-guard","dependencies":{"redis":"healthy","kafka":"unhealthy"}}`, rec.Body.String())
}

func TestRouter_AdminInspection(t *testing.T) {
	g := newGateway(t, "s3cret", nil)

	for range 2 {
		g.do(http.MethodPost, "/api/auth/login", `{"email":"A@X.com","password":"wrong"}`, nil)
	}

	rec := g.do(http.MethodGet, "/internal/rate-limits/identifier/a@x.com", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = g.do(http.MethodGet, "/internal/rate-limits/identifier/a@x.com", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	auth := map[string]string{"Authorization": "Bearer s3cret"}
	rec = g.do(http.MethodGet, "/internal/rate-limits/session/a@x.com", "", auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(http.MethodGet, "/internal/rate-limits/identifier/a@x.com", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Key    string `json:"key"`
			Record struct {
				FailedAttempts int `json:"failed_attempts"`
			} `json:"record"`
			Decision struct {
				Allowed           bool `json:"allowed"`
				RemainingAttempts int  `json:"remainingAttempts"`
			} `json:"decision"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "a@x.com", resp.Data.Key)
	assert.Equal(t, 2, resp.Data.Record.FailedAttempts)
	assert.True(t, resp.Data.Decision.Allowed)
	assert.Equal(t, 3, resp.Data.Decision.RemainingAttempts)
}

func TestRouter_AdminDisabledWithoutToken(t *testing.T) {
	g := newGateway(t, "", nil)

	rec := g.do(http.MethodGet, "/internal/rate-limits/address/198.51.100.4", "", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, g.upstreamCalls.Load())
}

func TestRouter_RequireHTTPS(t *testing.T) {
	router := NewRouter(RouterConfig{RequireHTTPS: true, Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestUpstreamProxy_Unreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	proxy, err := NewUpstreamProxy(dead.URL, time.Second)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream unavailable")
}

func TestNewUpstreamProxy_InvalidURL(t *testing.T) {
	_, err := NewUpstreamProxy("not-a-url", time.Second)
	assert.Error(t, err)
}
