package submission

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/pkg/dates"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, biller, billing-manager
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller, auth.RoleBillingManager))
	readGroup.GET("/integrations/health", h.IntegrationHealth)

	// Write endpoints – admin, biller
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller))
	writeGroup.POST("/claims/:id/submit", h.SubmitClaim)
	writeGroup.POST("/claims/batch-submit", h.BatchSubmit)
	writeGroup.POST("/claims/:id/refresh-status", h.RefreshStatus)
}

type submitRequest struct {
	Method string     `json:"method" validate:"omitempty,oneof=electronic paper portal"`
	Date   dates.Date `json:"date"`
}

func (r submitRequest) options(c echo.Context) SubmitOptions {
	return SubmitOptions{Method: r.Method, Date: r.Date.Time, Actor: auth.UserIDFromContext(c.Request().Context())}
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req submitRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	res, err := h.orch.Submit(c.Request().Context(), id, req.options(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type batchSubmitRequest struct {
	submitRequest
	ClaimIDs    []uuid.UUID `json:"claim_ids" validate:"required,min=1,max=500"`
	NativeBatch bool        `json:"native_batch"`
}

func (h *Handler) BatchSubmit(c echo.Context) error {
	var req batchSubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	opts := req.options(c)
	opts.NativeBatch = req.NativeBatch
	return c.JSON(http.StatusOK, h.orch.BatchSubmit(c.Request().Context(), req.ClaimIDs, opts))
}

func (h *Handler) RefreshStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cl, err := h.orch.RefreshStatus(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) IntegrationHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"integrations": h.orch.IntegrationHealth(c.Request().Context())})
}
