package httpapi

import (
	"net/http"

	conduit "github.com/forgeworks/conduit"
	"github.com/labstack/echo/v4"
)

// statusFor maps the §7 error taxonomy to an HTTP status class.
func statusFor(class conduit.Class) int {
	switch class {
	case conduit.ClassNotFound:
		return http.StatusNotFound
	case conduit.ClassConflict:
		return http.StatusConflict
	case conduit.ClassValidation:
		return http.StatusBadRequest
	case conduit.ClassUnauthorized:
		return http.StatusUnauthorized
	case conduit.ClassTimeout:
		return http.StatusGatewayTimeout
	case conduit.ClassExternal, conduit.ClassFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes a classified JSON error body and returns it so handlers can
// `return fail(c, err)`.
func fail(c echo.Context, err error) error {
	class := conduit.ClassOf(err)
	return c.JSON(statusFor(class), map[string]string{
		"error": err.Error(),
		"class": class.String(),
	})
}

// httpErrorHandler replaces Echo's default error handler so handler code
// returning a plain echo.HTTPError (bind/validation failures) still gets
// the same envelope shape as a classified conduit error.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		msg := he.Message
		if s, ok := msg.(string); ok {
			_ = c.JSON(he.Code, map[string]string{"error": s})
			return
		}
		_ = c.JSON(he.Code, map[string]any{"error": msg})
		return
	}
	_ = fail(c, err)
}
