package token

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/tokens")
	g.POST("/validate", h.Validate)
	g.POST("/revoke", h.Revoke, auth.RequireRole(auth.RolePatient))

	admin := g.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/stats", h.Stats)
	admin.POST("/cleanup", h.Cleanup)
}

type tokenRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Token  *Token `json:"token,omitempty"`
}

func (h *Handler) Validate(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	t, err := h.svc.Validate(c.Request().Context(), req.Token)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, validateResponse{Valid: true, Token: t.Redacted()})
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusOK, validateResponse{Reason: "not_found"})
	case errors.Is(err, ErrRevoked):
		return c.JSON(http.StatusOK, validateResponse{Reason: "revoked"})
	case errors.Is(err, ErrExpired):
		return c.JSON(http.StatusOK, validateResponse{Reason: "expired"})
	}
	return middleware.InternalError(err)
}

// Revoke lets a subject revoke one of their own tokens. Admins may revoke
// any token.
func (h *Handler) Revoke(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	ctx := c.Request().Context()
	caller := auth.UserIDFromContext(ctx)

	t, err := h.svc.Get(ctx, req.Token)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "token not found")
	}
	if err != nil {
		return middleware.InternalError(err)
	}
	if !auth.HasAnyRole(ctx, auth.RoleAdmin) {
		if id, perr := uuid.Parse(caller); perr != nil || id != t.SubjectID {
			return echo.NewHTTPError(http.StatusNotFound, "token not found")
		}
	}
	n, err := h.svc.Revoke(ctx, req.Token, caller, req.Reason)
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"revoked": n, "already_revoked": n == 0})
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Cleanup(c echo.Context) error {
	n, err := h.svc.CleanupExpired(c.Request().Context())
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}
