package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// InternalError hides err from the client. The request logger still sees
// it through the HTTPError's internal error.
func InternalError(err error) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
