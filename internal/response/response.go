// Package response writes the JSON envelope every endpoint answers with:
// {"success":true,"data":...} or {"success":false,"error":{"code","message"}}.
package response

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/platform-auth/internal/service"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// OK writes a success envelope.
func OK(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

// Fail writes an error envelope with an explicit status and code.
func Fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, envelope{Error: &ErrorBody{Code: code, Message: message}})
}

// Error maps err onto the envelope. Typed service errors keep their kind,
// status and message; anything else is reported as a generic 500 without
// leaking detail.
func Error(c echo.Context, err error) error {
	ae := service.AsAuthError(err)
	return Fail(c, ae.Status, string(ae.Kind), ae.Message)
}

// BadRequest reports an unparsable body or parameter.
func BadRequest(c echo.Context, message string) error {
	return Fail(c, http.StatusBadRequest, string(service.KindValidation), message)
}

// HTTPErrorHandler renders errors that escape handlers, such as unknown
// routes or recovered panics, in the same envelope.
func HTTPErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code := strings.ToUpper(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
			msg := http.StatusText(he.Code)
			if m, ok := he.Message.(string); ok && m != "" {
				msg = m
			}
			if he.Code == http.StatusNotFound {
				code = string(service.KindNotFound)
			}
			_ = Fail(c, he.Code, code, msg)
			return
		}
		var ae *service.AuthError
		if !errors.As(err, &ae) {
			logger.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
		}
		_ = Error(c, err)
	}
}
