package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/inference"
	"github.com/platelab/platevision/internal/logger"
)

// Envelope error codes.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnprocessable  = "unprocessable"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeTooLarge       = "payload_too_large"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal_error"
)

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, inference.Envelope[any]{Success: true, Data: data})
}

func unprocessable(msg string) error {
	return echo.NewHTTPError(http.StatusUnprocessableEntity, msg)
}

// statusOf maps err onto an HTTP status and envelope code.
func statusOf(err error) (status int, code string) {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case errors.IsConflict(err):
		return http.StatusConflict, CodeConflict
	case errors.IsInvalidRequest(err):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidRequest
	case http.StatusUnprocessableEntity:
		return CodeUnprocessable
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusRequestEntityTooLarge:
		return CodeTooLarge
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	}
	if status >= http.StatusInternalServerError {
		return CodeInternal
	}
	return CodeInvalidRequest
}

// handleError is the echo HTTPErrorHandler. Unclassified failures are logged
// and answered with a generic message.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status  int
		code    string
		message string
	)
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		code = codeForStatus(status)
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(status)
		}
	} else {
		status, code = statusOf(err)
		message = err.Error()
		if status >= http.StatusInternalServerError {
			message = "internal server error"
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.String("method", c.Request().Method),
			logger.String("path", c.Path()),
			logger.Error(err))
	}

	env := inference.Envelope[any]{Error: &inference.APIError{Code: code, Message: message}}
	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, env)
	}
	if writeErr != nil {
		s.log.Warn("failed to write error response", logger.Error(writeErr))
	}
}
