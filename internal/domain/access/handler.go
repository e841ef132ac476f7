package access

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/auth"
)

type Handler struct {
	authz *Authorizer
}

func NewHandler(authz *Authorizer) *Handler {
	return &Handler{authz: authz}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/access")
	g.POST("/check", h.Check, auth.RequireRole(auth.RolePractitioner))
	g.GET("/subjects/:subject_id/scope", h.Scope,
		auth.RequireRole(auth.RolePractitioner),
		Require(h.authz, consent.CapViewMedicalHistory))
}

type checkRequest struct {
	SubjectID      uuid.UUID          `json:"subjectId"`
	OrganizationID uuid.UUID          `json:"organizationId"`
	Permission     consent.Capability `json:"permission"`
}

// Check runs the checkpoint for the calling practitioner and reports the
// outcome in the body. Denials are 200 responses with allowed=false.
func (h *Handler) Check(c echo.Context) error {
	var body checkRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	pract, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "caller identity is not a valid id")
	}
	if body.OrganizationID == uuid.Nil {
		if org, err := uuid.Parse(auth.OrganizationFromContext(c.Request().Context())); err == nil {
			body.OrganizationID = org
		}
	}
	d, err := h.authz.Check(c.Request().Context(), Request{
		PractitionerID: pract,
		SubjectID:      body.SubjectID,
		OrganizationID: body.OrganizationID,
		Permission:     body.Permission,
		Token:          c.Request().Header.Get(TokenHeader),
	})
	if err != nil {
		var ae *AuthorizationError
		if errors.As(err, &ae) {
			return c.JSON(http.StatusOK, map[string]any{"allowed": false, "reason": ae.Reason})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"allowed": true, "decision": d})
}

// Scope returns what the caller may do with the subject's records under the
// current grant.
func (h *Handler) Scope(c echo.Context) error {
	d := DecisionFromContext(c)
	if d == nil {
		return echo.NewHTTPError(http.StatusForbidden, "no access decision")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"grantId":      d.GrantID,
		"scope":        d.EffectiveScope,
		"capabilities": d.EffectiveScope.List(),
		"expiresAt":    d.ExpiresAt,
	})
}
