package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/platform-auth/internal/config"
	"github.com/iliyamo/platform-auth/internal/handler"
	"github.com/iliyamo/platform-auth/internal/middleware"
	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository/memory"
	"github.com/iliyamo/platform-auth/internal/response"
	"github.com/iliyamo/platform-auth/internal/service"
	"github.com/iliyamo/platform-auth/internal/utils"
)

type stack struct {
	e      *echo.Echo
	ids    *memory.Identities
	events *memory.Events
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{ids: memory.NewIdentities(), events: &memory.Events{}}
	cfg := config.Config{
		DefaultRoles: []string{"viewer"},
		Domains:      []config.Domain{{Name: "courses", Roles: []string{"course", "admin"}}},
	}

	codec, err := utils.NewTokenCodec("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	refresh := memory.NewRefreshTokens()
	revocations := &memory.Revocations{}

	events := service.NewEventLog(s.events, nil)
	blocks := service.NewBlockStore(&memory.Blocks{}, events, nil)
	sessions := service.NewSessionRegistry(memory.NewSessions(s.ids), events, false, nil)
	authn := service.NewAuthenticator(codec, s.ids, sessions, revocations, blocks, events, nil)
	login := service.NewLoginService(s.ids, sessions, blocks, events, codec, refresh, revocations,
		service.LoginPolicy{RefreshTTL: 24 * time.Hour}, nil, nil)
	accounts := service.NewAccountService(s.ids, sessions, refresh, events, service.AccountPolicy{
		BcryptCost:   bcrypt.MinCost,
		DefaultRoles: model.NewRoleSet(cfg.DefaultRoles...),
		AllowSignup:  true,
		TOTPIssuer:   "platform-test",
	}, nil, nil)

	s.e = echo.New()
	s.e.HTTPErrorHandler = response.HTTPErrorHandler(zap.NewNop())
	s.e.IPExtractor = middleware.IPExtractor(nil)
	RegisterRoutes(s.e, &handler.HealthHandler{})
	RegisterAuth(s.e, handler.NewAuthHandler(accounts, login, sessions), authn, SelfPolicy(cfg),
		middleware.RateLimit(config.RateLimitConfig{}, nil, zap.NewNop()))
	RegisterAdmin(s.e, handler.NewAdminHandler(accounts, blocks, sessions, events), authn)
	RegisterDomains(s.e, authn, cfg.Domains)
	return s
}

type envelope struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data"`
	Error   response.ErrorBody `json:"error"`
}

func (s *stack) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	return s.doWith(t, method, path, token, body, nil)
}

func (s *stack) doWith(t *testing.T, method, path, token string, body any, hdr http.Header) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("User-Agent", "router-test")
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func (s *stack) seed(t *testing.T, email string, roles ...string) uint64 {
	t.Helper()
	id, err := s.ids.Create(context.Background(), email, "Seeded", "password1", model.NewRoleSet(roles...), bcrypt.MinCost)
	require.NoError(t, err)
	return id
}

type loginData struct {
	SessionID string `json:"session_id"`
	Access    struct {
		Token string `json:"token"`
	} `json:"access"`
	Refresh struct {
		Token string `json:"token"`
	} `json:"refresh"`
}

func (s *stack) login(t *testing.T, email string) loginData {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/v1/auth/login", "", echo.Map{"email": email, "password": "password1"})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	var out loginData
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestRegisterLoginMe(t *testing.T) {
	s := newStack(t)

	code, env := s.do(t, http.MethodPost, "/v1/auth/register", "", echo.Map{"email": "new@example.com", "name": "New", "password": "password1"})
	require.Equal(t, http.StatusCreated, code)
	require.True(t, env.Success)

	code, env = s.do(t, http.MethodPost, "/v1/auth/register", "", echo.Map{"email": "new@example.com", "name": "New", "password": "password1"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "CONFLICT", env.Error.Code)

	tok := s.login(t, "new@example.com")
	code, env = s.do(t, http.MethodGet, "/v1/me", tok.Access.Token, nil)
	require.Equal(t, http.StatusOK, code)
	var me struct {
		Email string   `json:"email"`
		Roles []string `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))
	require.Equal(t, "new@example.com", me.Email)
	require.Equal(t, []string{"viewer"}, me.Roles)
}

func TestRejectionEnvelopes(t *testing.T) {
	s := newStack(t)

	code, env := s.do(t, http.MethodGet, "/v1/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.False(t, env.Success)
	require.Equal(t, "TOKEN_MISSING", env.Error.Code)

	code, env = s.do(t, http.MethodGet, "/v1/me", "not.a.jwt", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "TOKEN_INVALID", env.Error.Code)

	code, env = s.do(t, http.MethodPost, "/v1/auth/login", "", echo.Map{"email": "ghost@example.com", "password": "password1"})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "INVALID_CREDENTIALS", env.Error.Code)

	code, env = s.do(t, http.MethodGet, "/nowhere", "", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestDomainRoleChangeAppliesToRunningSession(t *testing.T) {
	s := newStack(t)
	s.seed(t, "admin@example.com", "admin")
	user := s.seed(t, "user@example.com", "viewer")
	adminTok := s.login(t, "admin@example.com").Access.Token
	userTok := s.login(t, "user@example.com").Access.Token

	code, env := s.do(t, http.MethodGet, "/v1/courses/access", userTok, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "INSUFFICIENT_PERMISSIONS", env.Error.Code)

	code, _ = s.do(t, http.MethodPut, "/v1/admin/identities/"+strconv.FormatUint(user, 10)+"/roles", adminTok,
		echo.Map{"roles": []string{"viewer", "course"}})
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodGet, "/v1/courses/access", userTok, nil)
	require.Equal(t, http.StatusOK, code, "same token, new roles")
	require.Contains(t, string(env.Data), `"domain":"courses"`)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s := newStack(t)
	s.seed(t, "user@example.com", "viewer")
	tok := s.login(t, "user@example.com").Access.Token

	code, env := s.do(t, http.MethodGet, "/v1/admin/security/events", tok, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "INSUFFICIENT_PERMISSIONS", env.Error.Code)
	require.Len(t, s.events.OfType(model.EventRoleDenied), 1)
}

func TestBlockAndUnblockAccount(t *testing.T) {
	s := newStack(t)
	s.seed(t, "admin@example.com", "admin")
	user := s.seed(t, "user@example.com", "viewer")
	adminTok := s.login(t, "admin@example.com").Access.Token
	userTok := s.login(t, "user@example.com").Access.Token

	code, env := s.do(t, http.MethodPost, "/v1/admin/security/blocks", adminTok,
		echo.Map{"scope": "account", "target": strconv.FormatUint(user, 10), "reason": "fraud review"})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	var b model.Block
	require.NoError(t, json.Unmarshal(env.Data, &b))
	require.Equal(t, model.BlockManual, b.Type)

	code, env = s.do(t, http.MethodGet, "/v1/me", userTok, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "ACCOUNT_OR_IP_BLOCKED", env.Error.Code)

	path := "/v1/admin/security/blocks/" + strconv.FormatUint(b.ID, 10)
	code, _ = s.do(t, http.MethodDelete, path, adminTok, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodGet, "/v1/me", userTok, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodDelete, path, adminTok, nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "CONFLICT", env.Error.Code)
	code, _ = s.do(t, http.MethodDelete, "/v1/admin/security/blocks/999", adminTok, nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/v1/admin/security/blocks", adminTok,
		echo.Map{"scope": "account", "target": "999", "reason": "ghost"})
	require.Equal(t, http.StatusNotFound, code)
}

func TestIPBlockIgnoresForwardedFor(t *testing.T) {
	s := newStack(t)
	s.seed(t, "admin@example.com", "admin")
	s.seed(t, "user@example.com", "viewer")
	adminTok := s.login(t, "admin@example.com").Access.Token
	userTok := s.login(t, "user@example.com").Access.Token

	// httptest requests arrive from 192.0.2.1.
	code, env := s.do(t, http.MethodPost, "/v1/admin/security/blocks", adminTok,
		echo.Map{"scope": "ip", "target": "192.0.2.1", "reason": "abuse"})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)

	code, env = s.do(t, http.MethodGet, "/v1/me", userTok, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "ACCOUNT_OR_IP_BLOCKED", env.Error.Code)

	spoofed := http.Header{
		echo.HeaderXForwardedFor: {"203.0.113.9"},
		echo.HeaderXRealIP:       {"203.0.113.9"},
	}
	code, env = s.doWith(t, http.MethodGet, "/v1/me", userTok, nil, spoofed)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "ACCOUNT_OR_IP_BLOCKED", env.Error.Code)

	code, env = s.doWith(t, http.MethodPost, "/v1/auth/login", "",
		echo.Map{"email": "user@example.com", "password": "password1"}, spoofed)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "ACCOUNT_OR_IP_BLOCKED", env.Error.Code)
}

func TestSuspendEndsSessionsAndRefresh(t *testing.T) {
	s := newStack(t)
	s.seed(t, "admin@example.com", "admin")
	user := s.seed(t, "user@example.com", "viewer")
	adminTok := s.login(t, "admin@example.com").Access.Token
	tok := s.login(t, "user@example.com")

	code, _ := s.do(t, http.MethodPut, "/v1/admin/identities/"+strconv.FormatUint(user, 10)+"/status", adminTok,
		echo.Map{"status": "suspended"})
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(t, http.MethodGet, "/v1/me", tok.Access.Token, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "TOKEN_INVALID", env.Error.Code)

	code, _ = s.do(t, http.MethodPost, "/v1/auth/refresh", "", echo.Map{"refresh_token": tok.Refresh.Token})
	require.NotEqual(t, http.StatusOK, code)
}

func TestLogoutInvalidatesAccessToken(t *testing.T) {
	s := newStack(t)
	s.seed(t, "user@example.com", "viewer")
	tok := s.login(t, "user@example.com")

	code, _ := s.do(t, http.MethodPost, "/v1/logout", tok.Access.Token, echo.Map{"refresh_token": tok.Refresh.Token})
	require.Equal(t, http.StatusNoContent, code)

	code, env := s.do(t, http.MethodGet, "/v1/me", tok.Access.Token, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "TOKEN_INVALID", env.Error.Code)

	code, _ = s.do(t, http.MethodPost, "/v1/auth/refresh", "", echo.Map{"refresh_token": tok.Refresh.Token})
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestOwnSessions(t *testing.T) {
	s := newStack(t)
	s.seed(t, "a@example.com", "viewer")
	s.seed(t, "b@example.com", "viewer")
	a1 := s.login(t, "a@example.com")
	a2 := s.login(t, "a@example.com")
	b := s.login(t, "b@example.com")

	code, env := s.do(t, http.MethodGet, "/v1/me/sessions", a1.Access.Token, nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.Session
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 2)

	code, _ = s.do(t, http.MethodDelete, "/v1/me/sessions/"+b.SessionID, a1.Access.Token, nil)
	require.Equal(t, http.StatusNotFound, code, "other identities' sessions are invisible")

	code, _ = s.do(t, http.MethodDelete, "/v1/me/sessions/"+a2.SessionID, a1.Access.Token, nil)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodGet, "/v1/me", a2.Access.Token, nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestAdminEventQuery(t *testing.T) {
	s := newStack(t)
	s.seed(t, "admin@example.com", "admin")
	tok := s.login(t, "admin@example.com").Access.Token
	s.login(t, "admin@example.com")

	code, env := s.do(t, http.MethodGet, "/v1/admin/security/events?type=login-success&limit=1", tok, nil)
	require.Equal(t, http.StatusOK, code)
	var page service.EventPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Equal(t, 2, page.Total)
	require.Len(t, page.Events, 1)

	code, env = s.do(t, http.MethodGet, "/v1/admin/security/events?since=yesterday", tok, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestHealth(t *testing.T) {
	s := newStack(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"redis":"disabled"`)
}

func TestSelfPolicyCoversKnownRoles(t *testing.T) {
	p := SelfPolicy(config.Config{
		DefaultRoles: []string{"viewer"},
		Domains:      []config.Domain{{Name: "tickets", Roles: []string{"support"}}},
	})
	require.Equal(t, []string{"admin", "support", "viewer"}, p.Roles.Strings())
	require.Equal(t, service.AnyOf, p.Match)
}
