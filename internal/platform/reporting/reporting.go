package reporting

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/resourcestats/internal/config"
	"github.com/ehr/resourcestats/pkg/pagination"
)

// Handler serves the report and the run history.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the report API under api (normally /api/v1).
// refreshMW guards the refresh endpoint, e.g. with a role check.
func (h *Handler) RegisterRoutes(api *echo.Group, refreshMW ...echo.MiddlewareFunc) {
	api.GET("/report", h.GetReport)
	api.POST("/report/refresh", h.Refresh, refreshMW...)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
}

// GetReport returns the latest report document.
func (h *Handler) GetReport(c echo.Context) error {
	run, report := h.svc.Latest()
	if run == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no report has been computed yet")
	}
	c.Response().Header().Set("X-Run-ID", run.ID.String())
	return c.JSON(http.StatusOK, report)
}

// Refresh recomputes the report synchronously and returns the new run.
func (h *Handler) Refresh(c echo.Context) error {
	run, _, err := h.svc.Execute(c.Request().Context())
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, cfgErr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "report computation failed")
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns returns one page of stored runs, newest first.
func (h *Handler) ListRuns(c echo.Context) error {
	store := h.svc.Store()
	if store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "run history is not configured")
	}

	p := pagination.FromContext(c)
	runs, total, err := store.ListRuns(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	if runs == nil {
		runs = []*Run{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, p, c.Request().URL.Path))
}

// GetRun returns a stored run by id.
func (h *Handler) GetRun(c echo.Context) error {
	store := h.svc.Store()
	if store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "run history is not configured")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	run, err := store.GetRun(c.Request().Context(), id)
	if errors.Is(err, ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}
	return c.JSON(http.StatusOK, run)
}
