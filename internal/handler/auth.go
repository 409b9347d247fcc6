package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/platform-auth/internal/middleware"
	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/response"
	"github.com/iliyamo/platform-auth/internal/service"
)

// requestTimeout bounds the store calls a single request may make.
const requestTimeout = 5 * time.Second

// AuthHandler bundles dependencies for the self-service endpoints.
type AuthHandler struct {
	Accounts *service.AccountService
	Logins   *service.LoginService
	Sessions *service.SessionRegistry
}

func NewAuthHandler(a *service.AccountService, l *service.LoginService, s *service.SessionRegistry) *AuthHandler {
	return &AuthHandler{Accounts: a, Logins: l, Sessions: s}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}
type loginReq struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	OTP          string `json:"otp"`
	RecoveryCode string `json:"recovery_code"`
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}
type codeReq struct {
	Code string `json:"code"`
}
type recoveryEmailReq struct {
	Email string `json:"email"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type userPart struct {
	ID               uint64   `json:"id"`
	Email            string   `json:"email"`
	Name             string   `json:"name"`
	Status           string   `json:"status"`
	Roles            []string `json:"roles"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
	RecoveryEmail    *string  `json:"recovery_email,omitempty"`
}
type authResp struct {
	User      userPart  `json:"user"`
	SessionID string    `json:"session_id"`
	Access    tokenPart `json:"access"`
	Refresh   tokenPart `json:"refresh"`
	NewDevice bool      `json:"new_device"`
}

func toUser(u model.Identity) userPart {
	return userPart{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name,
		Status:           string(u.Status),
		Roles:            u.Roles.Strings(),
		TwoFactorEnabled: u.TwoFactorEnabled,
		RecoveryEmail:    u.RecoveryEmail,
	}
}

func toAuth(res service.LoginResult) authResp {
	return authResp{
		User:      toUser(res.Identity),
		SessionID: res.Session.ID,
		Access:    tokenPart{Token: res.Access.Token, Expires: res.Access.Exp},
		Refresh:   tokenPart{Token: res.Refresh.Raw, Expires: res.Refresh.Exp},
		NewDevice: res.NewDevice,
	}
}

// Register creates an identity holding the default roles. It does not log
// the caller in.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	u, err := h.Accounts.Register(ctx, service.RegisterRequest{Email: req.Email, Name: req.Name, Password: req.Password})
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusCreated, toUser(u))
}

// Login verifies credentials and opens a session.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return response.BadRequest(c, "email/password required")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Logins.Login(ctx, service.LoginRequest{
		Email:        req.Email,
		Password:     req.Password,
		OTP:          strings.TrimSpace(req.OTP),
		RecoveryCode: strings.TrimSpace(req.RecoveryCode),
		Client:       middleware.ClientOf(c),
	})
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, toAuth(res))
}

// Refresh rotates a refresh token within its session.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return response.BadRequest(c, "refresh_token required")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Logins.Refresh(ctx, strings.TrimSpace(req.RefreshToken), middleware.ClientOf(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, toAuth(res))
}

// Logout ends the session behind the access token when the route is
// authenticated, or behind the refresh token in the body otherwise.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	_ = c.Bind(&req)
	claims, _ := middleware.CurrentClaims(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	err := h.Logins.Logout(ctx, service.LogoutRequest{
		Claims:       claims,
		RefreshToken: req.RefreshToken,
		Client:       middleware.ClientOf(c),
	})
	if err != nil {
		return response.Error(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the live identity admitted for this request.
func (h *AuthHandler) Me(c echo.Context) error {
	u, ok := middleware.CurrentIdentity(c)
	if !ok {
		return response.Error(c, service.ErrTokenMissing)
	}
	return response.OK(c, http.StatusOK, toUser(u))
}

// MySessions lists the caller's active sessions.
func (h *AuthHandler) MySessions(c echo.Context) error {
	u, _ := middleware.CurrentIdentity(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	list, err := h.Sessions.ListActive(ctx, u.ID)
	if err != nil {
		return response.Error(c, err)
	}
	if list == nil {
		list = []model.Session{}
	}
	return response.OK(c, http.StatusOK, list)
}

// EndMySession closes one of the caller's own sessions. Sessions of other
// identities are reported as not found.
func (h *AuthHandler) EndMySession(c echo.Context) error {
	u, _ := middleware.CurrentIdentity(c)
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	s, err := h.Sessions.Get(ctx, id)
	if err != nil {
		return response.Error(c, err)
	}
	if s.IdentityID != u.ID {
		return response.Error(c, service.ErrNotFound)
	}
	if _, err := h.Sessions.Close(ctx, id, service.ReasonUserLogout, c.RealIP()); err != nil {
		return response.Error(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SetupTwoFactor starts TOTP enrollment and returns the secret and
// provisioning URL.
func (h *AuthHandler) SetupTwoFactor(c echo.Context) error {
	u, _ := middleware.CurrentIdentity(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	enr, err := h.Accounts.BeginTwoFactor(ctx, u.ID)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, echo.Map{"secret": enr.Secret, "otpauth_url": enr.URL})
}

// EnableTwoFactor confirms enrollment with a current code. The recovery
// codes are shown exactly once.
func (h *AuthHandler) EnableTwoFactor(c echo.Context) error {
	var req codeReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		return response.BadRequest(c, "code required")
	}
	u, _ := middleware.CurrentIdentity(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	codes, err := h.Accounts.EnableTwoFactor(ctx, u.ID, strings.TrimSpace(req.Code))
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, echo.Map{"recovery_codes": codes})
}

// DisableTwoFactor turns two-factor off given a TOTP or recovery code.
func (h *AuthHandler) DisableTwoFactor(c echo.Context) error {
	var req codeReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		return response.BadRequest(c, "code required")
	}
	u, _ := middleware.CurrentIdentity(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Accounts.DisableTwoFactor(ctx, u.ID, strings.TrimSpace(req.Code)); err != nil {
		return response.Error(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SetRecoveryEmail stores an unverified recovery address.
func (h *AuthHandler) SetRecoveryEmail(c echo.Context) error {
	var req recoveryEmailReq
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	u, _ := middleware.CurrentIdentity(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	got, err := h.Accounts.SetRecoveryEmail(ctx, u.ID, req.Email)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, toUser(got))
}
