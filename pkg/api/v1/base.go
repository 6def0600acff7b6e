package apiv1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/beam-cloud/playground/pkg/types"
)

const (
	HttpServerBaseRoute string = "/api/v1"
	HttpServerRootRoute string = ""
)

// Response is a standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// MessageResponse is the payload of actions that only report an outcome
type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SuccessResponse returns a successful response
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorResponse returns an error response
func ErrorResponse(c echo.Context, code int, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error:   message,
	})
}

// ErrorFrom maps a service error to its HTTP status and writes it
func ErrorFrom(c echo.Context, err error) error {
	return ErrorResponse(c, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var notRunning *types.ErrInstanceNotRunning
	var daemon *types.ErrDaemonNotReady
	var ports *types.ErrPortAllocation

	switch {
	case types.IsNotFound(err):
		return http.StatusNotFound
	case types.IsInvalidRequest(err), errors.As(err, &notRunning):
		return http.StatusBadRequest
	case errors.As(err, &daemon), errors.As(err, &ports):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
