package access

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/auth"
)

const (
	// TokenHeader carries an optional access token bound to the grant.
	TokenHeader = "X-Access-Token"
	// DecisionKey is the echo context key holding the *Decision of an
	// allowed request.
	DecisionKey = "access_decision"
)

// Require guards a record route with the checkpoint for capability c. The
// subject comes from the subject_id path or query parameter, the
// organization from organization_id or the caller's org claim.
func Require(a *Authorizer, c consent.Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			req, err := requestFromContext(ec, c)
			if err != nil {
				return err
			}
			d, err := a.Check(ec.Request().Context(), req)
			if err != nil {
				return httpError(err)
			}
			ec.Set(DecisionKey, d)
			return next(ec)
		}
	}
}

// DecisionFromContext returns the decision stored by Require.
func DecisionFromContext(c echo.Context) *Decision {
	d, _ := c.Get(DecisionKey).(*Decision)
	return d
}

func requestFromContext(c echo.Context, perm consent.Capability) (Request, error) {
	ctx := c.Request().Context()
	pract, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Request{}, echo.NewHTTPError(http.StatusUnauthorized, "caller identity is not a valid id")
	}
	subject, err := uuid.Parse(param(c, "subject_id"))
	if err != nil {
		return Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid subject_id")
	}
	orgRaw := param(c, "organization_id")
	if orgRaw == "" {
		orgRaw = auth.OrganizationFromContext(ctx)
	}
	org, err := uuid.Parse(orgRaw)
	if err != nil {
		return Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid organization_id")
	}
	return Request{
		PractitionerID: pract,
		SubjectID:      subject,
		OrganizationID: org,
		Permission:     perm,
		Token:          c.Request().Header.Get(TokenHeader),
	}, nil
}

func param(c echo.Context, name string) string {
	if v := c.Param(name); v != "" {
		return v
	}
	return c.QueryParam(name)
}

func httpError(err error) *echo.HTTPError {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusForbidden, map[string]any{
			"message": ae.Error(),
			"reason":  string(ae.Reason),
		})
	}
	return consent.HTTPError(err)
}
