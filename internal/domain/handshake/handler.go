package handshake

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/domain/directory"
	"github.com/ehr/consent/internal/platform/auth"
)

// Handler exposes the QR consent protocol over HTTP.
type Handler struct {
	svc *Service
	dir directory.Directory
}

func NewHandler(svc *Service, dir directory.Directory) *Handler {
	return &Handler{svc: svc, dir: dir}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/consent")

	practitioner := auth.RequireRole(auth.RolePractitioner)
	patient := auth.RequireRole(auth.RolePatient)

	g.POST("/scan", h.Scan, practitioner)
	g.POST("/decision", h.Decide, patient)
	g.GET("/pending", h.Pending, patient)
	g.GET("/active", h.Active, auth.RequireRole(auth.RolePractitioner, auth.RolePatient))
	g.POST("/grants/:id/revoke", h.Revoke, practitioner)
	g.POST("/grants/:id/token", h.ReissueToken, patient)
}

func (h *Handler) Scan(c echo.Context) error {
	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	req.PractitionerID = caller
	if req.OrganizationID == uuid.Nil {
		if org, err := uuid.Parse(auth.OrganizationFromContext(c.Request().Context())); err == nil {
			req.OrganizationID = org
		}
	}
	res, err := h.svc.Scan(c.Request().Context(), req)
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Decide(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	req.SubjectID = caller
	res, err := h.svc.Decide(c.Request().Context(), req)
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Pending(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.PendingForSubject(c.Request().Context(), caller)
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "total": len(items)})
}

// Active returns the effectively active grant for the subject and
// organization. Callers other than the subject must belong to the
// organization.
func (h *Handler) Active(c echo.Context) error {
	subjectID, err := uuid.Parse(c.QueryParam("subject_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subject_id")
	}
	orgID, err := uuid.Parse(c.QueryParam("organization_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid organization_id")
	}
	ctx := c.Request().Context()
	if !auth.HasAnyRole(ctx, auth.RoleAdmin) {
		caller, err := callerID(c)
		if err != nil {
			return err
		}
		if caller != subjectID {
			p, err := h.dir.GetPractitioner(ctx, caller)
			if err != nil || !p.MemberOf(orgID) {
				return echo.NewHTTPError(http.StatusNotFound, "no active grant")
			}
		}
	}
	v, err := h.svc.ActiveFor(ctx, subjectID, orgID)
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req RevokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	req.GrantID = id
	req.ActorID = auth.UserIDFromContext(ctx)
	req.Privileged = auth.HasAnyRole(ctx, auth.RoleAdmin)
	res, err := h.svc.Revoke(ctx, req)
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ReissueToken(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	tok, err := h.svc.ReissueToken(c.Request().Context(), id, caller)
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"grantId":     tok.GrantID,
		"accessToken": tok.Value,
		"expiresAt":   tok.ExpiresAt,
	})
}

func callerID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "caller identity is not a valid id")
	}
	return id, nil
}
