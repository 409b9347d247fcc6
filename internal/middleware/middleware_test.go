package middleware

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/platform-auth/internal/config"
	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository/memory"
	"github.com/iliyamo/platform-auth/internal/service"
	"github.com/iliyamo/platform-auth/internal/utils"
)

func serve(e *echo.Echo, method, path string, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuthStoresLiveIdentity(t *testing.T) {
	ids := memory.NewIdentities()
	id, err := ids.Create(context.Background(), "mw@example.com", "MW", "password1", model.NewRoleSet("web"), bcrypt.MinCost)
	require.NoError(t, err)
	codec, err := utils.NewTokenCodec("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)

	events := service.NewEventLog(&memory.Events{}, nil)
	sessions := service.NewSessionRegistry(memory.NewSessions(ids), events, false, nil)
	blocks := service.NewBlockStore(&memory.Blocks{}, events, nil)
	authn := service.NewAuthenticator(codec, ids, sessions, &memory.Revocations{}, blocks, events, nil)

	u, err := ids.GetByID(context.Background(), id)
	require.NoError(t, err)
	tok, err := codec.Issue(u, "")
	require.NoError(t, err)

	e := echo.New()
	e.GET("/web", func(c echo.Context) error {
		got, ok := CurrentIdentity(c)
		require.True(t, ok)
		fromCtx, ok := service.IdentityFromContext(c.Request().Context())
		require.True(t, ok)
		require.Equal(t, got.ID, fromCtx.ID)
		claims, ok := CurrentClaims(c)
		require.True(t, ok)
		require.Equal(t, tok.ID, claims.ID)
		return c.NoContent(http.StatusNoContent)
	}, RequireAuth(authn, service.NewPolicy("web", "web")))
	e.GET("/data", func(c echo.Context) error {
		t.Fatal("handler must not run on rejection")
		return nil
	}, RequireAuth(authn, service.NewPolicy("data", "data")))

	bearer := http.Header{echo.HeaderAuthorization: {"Bearer " + tok.Token}}
	require.Equal(t, http.StatusNoContent, serve(e, http.MethodGet, "/web", bearer).Code)

	rec := serve(e, http.MethodGet, "/data", bearer)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.JSONEq(t, `{"success":false,"error":{"code":"INSUFFICIENT_PERMISSIONS","message":"insufficient permissions"}}`, rec.Body.String())

	rec = serve(e, http.MethodGet, "/web", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "TOKEN_MISSING")
}

func TestClientOfPrefersDeviceHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "curl/8")
	c := e.NewContext(req, httptest.NewRecorder())
	require.Equal(t, "curl/8", ClientOf(c).Device)

	req.Header.Set("X-Device-Id", "phone-1")
	got := ClientOf(c)
	require.Equal(t, "phone-1", got.Device)
	require.Equal(t, "curl/8", got.UserAgent)
	require.Equal(t, "192.0.2.1", got.IP)
}

func TestRateLimitTokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Minute,
		TTL:            10 * time.Minute,
		KeyStrategy:    "ip",
		Prefix:         "test:rl",
	}
	e := echo.New()
	e.POST("/login", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RateLimit(cfg, rdb, zap.NewNop()))

	for i := 0; i < 2; i++ {
		rec := serve(e, http.MethodPost, "/login", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(e, http.MethodPost, "/login", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "RATE_LIMITED")
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.True(t, mr.Exists("test:rl:ip:192.0.2.1"))
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute}
	e := echo.New()
	e.POST("/login", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RateLimit(cfg, rdb, zap.NewNop()))
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, serve(e, http.MethodPost, "/login", nil).Code)
	}
}

func TestRateKeyStrategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/auth/login")

	cases := map[string]string{
		"ip":         "rl:ip:192.0.2.1",
		"route":      "rl:route:POST /v1/auth/login",
		"user_route": "rl:user:anon:route:POST /v1/auth/login",
		"ip_route":   "rl:ip:192.0.2.1:route:POST /v1/auth/login",
	}
	for strategy, want := range cases {
		require.Equal(t, want, rateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}, c), strategy)
	}
}

func TestIPExtractorIgnoresForwardingFromUntrustedPeers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXForwardedFor, "203.0.113.9")
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.10")

	require.Equal(t, "192.0.2.1", IPExtractor(nil)(req))

	_, proxies, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", IPExtractor([]*net.IPNet{proxies})(req))

	req.RemoteAddr = "10.1.2.3:4567"
	require.Equal(t, "203.0.113.9", IPExtractor([]*net.IPNet{proxies})(req))
}
