package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/runbox/pkg/types"
)

// errorStatus maps domain errors to an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrUnsupportedLanguage):
		return http.StatusBadRequest, "unsupported_language"
	case errors.Is(err, types.ErrInvalidFilename):
		return http.StatusBadRequest, "invalid_filename"
	case errors.Is(err, types.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, types.ErrCodeTooLarge):
		return http.StatusRequestEntityTooLarge, "code_too_large"
	case errors.Is(err, types.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge, "quota_exceeded"
	case errors.Is(err, types.ErrAlreadyTerminal):
		return http.StatusConflict, "already_terminal"
	case errors.Is(err, types.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, types.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(c echo.Context, err error) error {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, types.ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: msg, Code: "invalid_request"})
}
