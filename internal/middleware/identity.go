package middleware

import (
	"net"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/service"
	"github.com/iliyamo/platform-auth/internal/utils"
)

// Keys under which RequireAuth stores its outcome on the echo context.
const (
	ctxIdentity = "auth.identity"
	ctxClaims   = "auth.claims"
)

// CurrentIdentity returns the identity admitted by RequireAuth.
func CurrentIdentity(c echo.Context) (model.Identity, bool) {
	id, ok := c.Get(ctxIdentity).(model.Identity)
	return id, ok
}

// CurrentClaims returns the verified access token claims of the request.
func CurrentClaims(c echo.Context) (*utils.Claims, bool) {
	cl, ok := c.Get(ctxClaims).(*utils.Claims)
	return cl, ok && cl != nil
}

// ClientOf describes where the request came from.
func ClientOf(c echo.Context) service.Client {
	ua := c.Request().UserAgent()
	device := c.Request().Header.Get("X-Device-Id")
	if device == "" {
		device = ua
	}
	return service.Client{IP: c.RealIP(), Device: device, UserAgent: ua}
}

// userID is the rate limiter's view of the caller: the admitted identity
// id, or "anon".
func userID(c echo.Context) string {
	if id, ok := CurrentIdentity(c); ok {
		return strconv.FormatUint(id.ID, 10)
	}
	return "anon"
}

// IPExtractor decides which address RealIP reports. With no trusted proxies
// the socket peer is the client and forwarding headers are ignored;
// otherwise X-Forwarded-For is walked back only through the given ranges.
func IPExtractor(trusted []*net.IPNet) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range trusted {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
