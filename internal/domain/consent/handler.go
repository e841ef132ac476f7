package consent

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/domain/directory"
	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/internal/platform/middleware"
)

type Handler struct {
	store *Store
	dir   directory.Directory
}

func NewHandler(store *Store, dir directory.Directory) *Handler {
	return &Handler{store: store, dir: dir}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/consent", auth.RequireRole(auth.RolePractitioner, auth.RolePatient))
	read.GET("/grants/:id", h.GetGrant)
}

// GetGrant returns a grant to its subject, to practitioners of the grant's
// organization, or to an admin.
func (h *Handler) GetGrant(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	g, err := h.store.FindByID(ctx, id)
	if err != nil {
		return HTTPError(err)
	}
	if !h.canRead(c, g) {
		return echo.NewHTTPError(http.StatusNotFound, "grant not found")
	}
	return c.JSON(http.StatusOK, NewView(g, h.store.Now()))
}

func (h *Handler) canRead(c echo.Context, g *Grant) bool {
	ctx := c.Request().Context()
	if auth.HasAnyRole(ctx, auth.RoleAdmin) {
		return true
	}
	caller, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return false
	}
	if caller == g.SubjectID {
		return true
	}
	p, err := h.dir.GetPractitioner(ctx, caller)
	if err != nil {
		return false
	}
	return p.MemberOf(g.OrganizationID)
}

// HTTPError maps consent errors to HTTP errors. Other packages reuse it for
// errors that originate in the grant store.
func HTTPError(err error) *echo.HTTPError {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		he := echo.NewHTTPError(http.StatusBadRequest, ve.Error())
		if len(ve.Details) > 0 {
			he = echo.NewHTTPError(http.StatusBadRequest, map[string]any{"message": ve.Error(), "details": ve.Details})
		}
		return he
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, directory.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	}
	return middleware.InternalError(err)
}
