package auth

import (
	"net/http"
	"unicode"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/runbox/pkg/types"
)

const (
	// OwnerHeader carries the caller identity set by the upstream gateway.
	OwnerHeader = "X-Owner-ID"

	contextKeyOwnerID = "owner_id"
	maxOwnerIDLength  = 128
)

// OwnerMiddleware reads the owner identity into the echo context. With
// required set, requests without a valid owner are rejected; otherwise a
// missing owner is allowed and an invalid one is still rejected.
func OwnerMiddleware(required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := c.Request().Header.Get(OwnerHeader)
			if owner == "" {
				if required {
					return c.JSON(http.StatusUnauthorized, types.ErrorResponse{
						Error: "missing " + OwnerHeader + " header", Code: "unauthorized",
					})
				}
				return next(c)
			}
			if !ValidOwnerID(owner) {
				return c.JSON(http.StatusBadRequest, types.ErrorResponse{
					Error: "invalid " + OwnerHeader + " header", Code: "invalid_request",
				})
			}
			c.Set(contextKeyOwnerID, owner)
			return next(c)
		}
	}
}

// GetOwnerID returns the owner stored by OwnerMiddleware.
func GetOwnerID(c echo.Context) string {
	v, _ := c.Get(contextKeyOwnerID).(string)
	return v
}

// ValidOwnerID reports whether id is a usable owner identity: non-empty,
// at most 128 bytes, printable, no spaces.
func ValidOwnerID(id string) bool {
	if id == "" || len(id) > maxOwnerIDLength {
		return false
	}
	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
