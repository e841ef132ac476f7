package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/middleware"
	"github.com/ehr/consent/pkg/pagination"
)

// Handler exposes queue administration over HTTP.
type Handler struct {
	queue     *Queue
	processor *Processor
}

func NewHandler(q *Queue, p *Processor) *Handler {
	return &Handler{queue: q, processor: p}
}

// RegisterRoutes registers the admin routes on g. The caller is
// responsible for restricting g to administrators.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.POST("/notifications/process", h.HandleProcess)
	g.POST("/notifications/cleanup", h.HandleCleanup)
	g.POST("/notifications/:id/requeue", h.HandleRequeue)
}

// HandleProcess handles POST /notifications/process?batch_size=N.
func (h *Handler) HandleProcess(c echo.Context) error {
	size := 10
	if raw := c.QueryParam("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "batch_size must be an integer")
		}
		size = n
	}
	res, err := h.processor.Process(c.Request().Context(), size)
	if errors.Is(err, ErrInvalidBatchSize) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleCleanup handles POST /notifications/cleanup?older_than_hours=N.
func (h *Handler) HandleCleanup(c echo.Context) error {
	hours := 24
	if raw := c.QueryParam("older_than_hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "older_than_hours must be an integer")
		}
		hours = n
	}
	n, err := h.queue.Cleanup(c.Request().Context(), hours)
	if errors.Is(err, ErrInvalidRetention) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}

// HandleRequeue handles POST /notifications/:id/requeue.
func (h *Handler) HandleRequeue(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	switch err := h.queue.Requeue(ctx, id); {
	case errors.Is(err, ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRequeueable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return middleware.InternalError(err)
	}
	j, err := h.queue.Get(ctx, id)
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, j)
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	j, err := h.queue.Get(c.Request().Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, j)
}

// HandleList handles GET /notifications?status=...
func (h *Handler) HandleList(c echo.Context) error {
	pg := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	if status != "" && !validStatus(status) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	jobs, total, err := h.queue.List(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(jobs, total, pg.Limit, pg.Offset))
}

func validStatus(s Status) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}
