package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route patterns reachable without a bearer token.
var publicPaths = map[string]bool{
	"/health":                       true,
	"/health/db":                    true,
	"/api/auth/login":               true,
	"/api/auth/register/patient":    true,
	"/api/auth/verify-email":        true,
	"/api/auth/resend-verification": true,
}

// AuthSkipper returns true for requests whose matched route should skip
// authentication. Pass it as JWTConfig.Skipper.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
