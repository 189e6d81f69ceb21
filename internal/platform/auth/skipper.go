package auth

import (
	"github.com/labstack/echo/v4"
)

// CallbackPath is the gateway webhook. The gateway cannot present a bearer
// token, so the route is public. It binds its own tenant from the tenant_id
// query parameter embedded in the callback URL, so every failure can still
// be acknowledged in the gateway's format.
const CallbackPath = "/api/v1/payments/mpesa/callback"

// publicPaths lists route paths that bypass authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
	CallbackPath: true,
}

// unboundPaths bypass TenantMiddleware.
var unboundPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
	CallbackPath: true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. Pass it as the Skipper on JWTConfig or DevAuthMiddleware.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// TenantSkipper returns true for infrastructure routes that never touch a
// tenant schema and for the webhook.
func TenantSkipper(c echo.Context) bool {
	return unboundPaths[c.Path()]
}

// IsPublicPath reports whether the given route path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
