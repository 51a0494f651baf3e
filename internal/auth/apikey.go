// Package auth holds the API's request authentication: a shared API key
// and the caller identity forwarded by an upstream gateway.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/runbox/pkg/types"
)

// APIKeyMiddleware validates the X-API-Key header, a Bearer token or the
// api_key query parameter against the configured key. If the configured key is empty,
// authentication is disabled.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" {
				if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
					provided = strings.TrimPrefix(h, "Bearer ")
				}
			}
			if provided == "" {
				// browsers cannot set headers on websocket upgrades
				provided = c.QueryParam("api_key")
			}

			if provided == "" {
				return c.JSON(http.StatusUnauthorized, types.ErrorResponse{
					Error: "missing API key", Code: "unauthorized",
				})
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusForbidden, types.ErrorResponse{
					Error: "invalid API key", Code: "forbidden",
				})
			}
			return next(c)
		}
	}
}
