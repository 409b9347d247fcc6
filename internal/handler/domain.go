package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/platform-auth/internal/middleware"
	"github.com/iliyamo/platform-auth/internal/response"
)

// DomainAccess answers inside a protected domain group once the caller was
// admitted. Downstream services use it to confirm access before showing
// a domain.
func DomainAccess(domain string) echo.HandlerFunc {
	return func(c echo.Context) error {
		u, _ := middleware.CurrentIdentity(c)
		return response.OK(c, http.StatusOK, echo.Map{
			"domain": domain,
			"user":   toUser(u),
		})
	}
}
