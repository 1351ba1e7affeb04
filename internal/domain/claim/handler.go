package claim

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/pkg/dates"
	"github.com/rcm/rcm/pkg/pagination"
)

type Handler struct {
	sm *StateMachine
}

func NewHandler(sm *StateMachine) *Handler {
	return &Handler{sm: sm}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, biller, billing-manager
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller, auth.RoleBillingManager))
	readGroup.GET("/claims", h.ListClaims)
	readGroup.GET("/claims/:id", h.GetClaim)
	readGroup.GET("/claims/:id/history", h.GetHistory)
	readGroup.GET("/claims/:id/validation", h.PreviewValidation)
	readGroup.GET("/payers", h.ListPayers)

	// Write endpoints – admin, biller
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller))
	writeGroup.POST("/services", h.CreateService)
	writeGroup.POST("/authorizations", h.CreateAuthorization)
	writeGroup.POST("/claims", h.CreateClaim)
	writeGroup.POST("/claims/:id/validate", h.ValidateClaim)
	writeGroup.POST("/claims/batch-validate", h.BatchValidate)
	writeGroup.POST("/claims/:id/appeal", h.AppealClaim)

	// Corrections, voids and manual denials – admin, billing-manager
	managerGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBillingManager))
	managerGroup.POST("/claims/:id/void", h.VoidClaim)
	managerGroup.POST("/claims/:id/deny", h.DenyClaim)
	managerGroup.POST("/claims/:id/corrections", h.CreateCorrection)
}

func claimID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(dst)
}

// -- Services and authorizations --

type createServiceRequest struct {
	ClientID            uuid.UUID           `json:"client_id" validate:"required"`
	PayerID             string              `json:"payer_id" validate:"required"`
	ServiceCode         string              `json:"service_code" validate:"required"`
	ServiceDate         dates.Date          `json:"service_date" validate:"required"`
	Units               int                 `json:"units" validate:"gt=0"`
	Rate                decimal.Decimal     `json:"rate"`
	DocumentationStatus DocumentationStatus `json:"documentation_status" validate:"omitempty,oneof=incomplete pending-signature complete"`
	BillingStatus       BillingStatus       `json:"billing_status" validate:"omitempty,oneof=unbilled ready"`
	AuthorizationID     *uuid.UUID          `json:"authorization_id"`
	RenderingProviderID string              `json:"rendering_provider_id"`
}

func (h *Handler) CreateService(c echo.Context) error {
	var req createServiceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	s := &Service{
		ClientID:            req.ClientID,
		PayerID:             req.PayerID,
		ServiceCode:         req.ServiceCode,
		ServiceDate:         req.ServiceDate.Time,
		Units:               req.Units,
		Rate:                req.Rate,
		BillingStatus:       req.BillingStatus,
		DocumentationStatus: req.DocumentationStatus,
		AuthorizationID:     req.AuthorizationID,
		RenderingProviderID: strPtr(req.RenderingProviderID),
	}
	if err := h.sm.RegisterService(c.Request().Context(), s); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s)
}

type createAuthorizationRequest struct {
	ClientID        uuid.UUID  `json:"client_id" validate:"required"`
	PayerID         string     `json:"payer_id" validate:"required"`
	ServiceCode     string     `json:"service_code" validate:"required"`
	AuthorizedUnits int        `json:"authorized_units" validate:"gt=0"`
	UsedUnits       int        `json:"used_units" validate:"gte=0"`
	StartDate       dates.Date `json:"start_date" validate:"required"`
	EndDate         dates.Date `json:"end_date" validate:"required"`
}

func (h *Handler) CreateAuthorization(c echo.Context) error {
	var req createAuthorizationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a := &Authorization{
		ClientID:        req.ClientID,
		PayerID:         req.PayerID,
		ServiceCode:     req.ServiceCode,
		AuthorizedUnits: req.AuthorizedUnits,
		UsedUnits:       req.UsedUnits,
		StartDate:       req.StartDate.Time,
		EndDate:         req.EndDate.Time,
	}
	if err := h.sm.RegisterAuthorization(c.Request().Context(), a); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// -- Claims --

func (h *Handler) CreateClaim(c echo.Context) error {
	var req CreateClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.ActorID = auth.UserIDFromContext(c.Request().Context())
	cl, err := h.sm.CreateFromServices(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	cl, err := h.sm.GetClaim(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{Status: Status(c.QueryParam("status")), PayerID: c.QueryParam("payer_id")}
	if v := c.QueryParam("client_id"); v != "" {
		cid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		f.ClientID = &cid
	}
	items, total, err := h.sm.ListClaims(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	items, err := h.sm.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) PreviewValidation(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	result, err := h.sm.PreviewValidation(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ValidateClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	out, err := h.sm.ValidateClaim(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type batchRequest struct {
	ClaimIDs []uuid.UUID `json:"claim_ids" validate:"required,min=1,max=500"`
}

func (h *Handler) BatchValidate(c echo.Context) error {
	var req batchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res := h.sm.BatchValidateClaims(c.Request().Context(), req.ClaimIDs, auth.UserIDFromContext(c.Request().Context()))
	return c.JSON(http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) VoidClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cl, err := h.sm.Void(c.Request().Context(), id, req.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) DenyClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cl, err := h.sm.Deny(c.Request().Context(), id, req.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cl)
}

type appealRequest struct {
	Justification string   `json:"justification" validate:"required"`
	Artifacts     []string `json:"artifacts" validate:"required,min=1,dive,required"`
}

func (h *Handler) AppealClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var req appealRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cl, err := h.sm.Appeal(c.Request().Context(), id, req.Justification, req.Artifacts, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) CreateCorrection(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var req CorrectedClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.OriginalClaimID = id
	req.ActorID = auth.UserIDFromContext(c.Request().Context())
	cl, err := h.sm.CreateCorrectedClaim(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) ListPayers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sm.Profiles().All())
}
