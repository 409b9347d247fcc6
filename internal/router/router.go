// Package router registers the HTTP routes of the platform and places the
// authentication pipeline in front of every protected group.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/platform-auth/internal/config"
	"github.com/iliyamo/platform-auth/internal/handler"
	"github.com/iliyamo/platform-auth/internal/middleware"
	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/service"
)

// AdminPolicy guards the security administration routes.
var AdminPolicy = service.NewPolicy("admin", string(model.RoleAdmin))

// SelfPolicy admits any identity holding at least one role the platform
// knows about: the default roles, every domain role, and admin. It guards
// the caller's own account routes.
func SelfPolicy(cfg config.Config) service.Policy {
	roles := append([]string{string(model.RoleAdmin)}, cfg.DefaultRoles...)
	for _, d := range cfg.Domains {
		roles = append(roles, d.Roles...)
	}
	return service.NewPolicy("account", roles...)
}

// RegisterRoutes registers routes that do not require authentication.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
}

// RegisterAuth registers credential exchange under /v1/auth and the
// caller's own account under /v1/me. limit throttles the credential
// endpoints.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, authn *service.Authenticator, self service.Policy, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/auth", limit)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	// Logout with only a refresh token in the body.
	g.POST("/logout", a.Logout)

	auth := e.Group("/v1", middleware.RequireAuth(authn, self))
	// Logout of the session behind the access token, plus its refresh token
	// when one is sent.
	auth.POST("/logout", a.Logout)
	auth.GET("/me", a.Me)
	auth.GET("/me/sessions", a.MySessions)
	auth.DELETE("/me/sessions/:id", a.EndMySession)
	auth.POST("/me/2fa/setup", a.SetupTwoFactor)
	auth.POST("/me/2fa/enable", a.EnableTwoFactor)
	auth.POST("/me/2fa/disable", a.DisableTwoFactor)
	auth.PUT("/me/recovery-email", a.SetRecoveryEmail)
}

// RegisterAdmin registers security administration behind AdminPolicy.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, authn *service.Authenticator) {
	g := e.Group("/v1/admin", middleware.RequireAuth(authn, AdminPolicy))
	g.GET("/security/events", h.ListEvents)
	g.GET("/security/blocks", h.ListBlocks)
	g.POST("/security/blocks", h.CreateBlock)
	g.DELETE("/security/blocks/:id", h.Unblock)
	g.GET("/identities/:id/sessions", h.IdentitySessions)
	g.DELETE("/identities/:id/sessions", h.EndIdentitySessions)
	g.PUT("/identities/:id/roles", h.SetRoles)
	g.PUT("/identities/:id/status", h.SetStatus)
	g.DELETE("/sessions/:id", h.EndSession)
	g.POST("/sessions/:id/block", h.BlockSession)
}

// RegisterDomains mounts one group per protected domain at /v1/<name>,
// each behind its own role policy. Domain handlers live in other services;
// the group exposes an access probe they can call.
func RegisterDomains(e *echo.Echo, authn *service.Authenticator, domains []config.Domain) map[string]*echo.Group {
	groups := make(map[string]*echo.Group, len(domains))
	for _, d := range domains {
		g := e.Group("/v1/"+d.Name, middleware.RequireAuth(authn, service.NewPolicy(d.Name, d.Roles...)))
		g.GET("/access", handler.DomainAccess(d.Name))
		groups[d.Name] = g
	}
	return groups
}
