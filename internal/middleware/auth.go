package middleware // middleware provides shared request processing for handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/platform-auth/internal/response"
	"github.com/iliyamo/platform-auth/internal/service"
)

// RequireAuth runs the authentication pipeline under policy p before the
// wrapped handler. Rejections are answered with the error envelope and the
// handler never runs. On admission the live identity is available through
// CurrentIdentity and service.IdentityFromContext.
func RequireAuth(a *service.Authenticator, p service.Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			out, err := a.Authenticate(req.Context(), service.Request{
				Authorization: req.Header.Get(echo.HeaderAuthorization),
				IP:            c.RealIP(),
				UserAgent:     req.UserAgent(),
			}, p)
			if err != nil {
				return response.Error(c, err)
			}
			c.Set(ctxIdentity, out.Identity)
			c.Set(ctxClaims, out.Claims)
			c.SetRequest(req.WithContext(service.WithIdentity(req.Context(), out.Identity)))
			return next(c)
		}
	}
}
