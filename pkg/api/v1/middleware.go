package apiv1

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireAdminToken rejects requests whose bearer token does not match
// token. An empty token disables the check.
func RequireAdminToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return ErrorResponse(c, http.StatusUnauthorized, "admin token required")
			}

			given := strings.TrimPrefix(header, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				return ErrorResponse(c, http.StatusUnauthorized, "invalid admin token")
			}
			return next(c)
		}
	}
}
