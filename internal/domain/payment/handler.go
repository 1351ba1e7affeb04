package payment

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
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, biller, billing-manager
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller, auth.RoleBillingManager))
	readGroup.GET("/payments", h.ListPayments)
	readGroup.GET("/payments/:id", h.GetPayment)
	readGroup.GET("/payments/:id/suggestions", h.SuggestMatches)
	readGroup.POST("/payments/:id/reconcile/preview", h.PreviewReconciliation)

	// Payment posting – admin, biller. Managers review and reverse postings.
	postGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller))
	postGroup.POST("/payments", h.RecordPayment)
	postGroup.POST("/payments/:id/reconcile", h.Reconcile)
	postGroup.POST("/payments/:id/auto-reconcile", h.AutoReconcile)

	// Reversals – admin, billing-manager
	managerGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBillingManager))
	managerGroup.POST("/payments/:id/undo", h.UndoReconciliation)
}

func paymentID(c echo.Context) (uuid.UUID, error) {
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

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

type adjustmentRequest struct {
	Type        AdjustmentType  `json:"type" validate:"omitempty,oneof=contractual patient-responsibility other payer-initiated correction provider-level"`
	Group       string          `json:"group" validate:"omitempty,oneof=CO PR OA PI CR"`
	Code        string          `json:"code" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func toAdjustments(in []adjustmentRequest, def AdjustmentType) []Adjustment {
	out := make([]Adjustment, 0, len(in))
	for _, a := range in {
		t := a.Type
		if t == "" {
			t = def
			if a.Group != "" {
				t = AdjustmentTypeForGroup(a.Group)
			}
		}
		out = append(out, Adjustment{Type: t, Group: a.Group, Code: a.Code, Amount: a.Amount, Description: a.Description})
	}
	return out
}

type recordPaymentRequest struct {
	PayerID         string              `json:"payer_id" validate:"required"`
	PaymentDate     dates.Date          `json:"payment_date" validate:"required"`
	TotalAmount     decimal.Decimal     `json:"total_amount"`
	Method          Method              `json:"method" validate:"required,oneof=check ach eft virtual-card other"`
	ReferenceNumber string              `json:"reference_number" validate:"required,max=64"`
	Adjustments     []adjustmentRequest `json:"adjustments" validate:"dive"`
	ClientID        *uuid.UUID          `json:"client_id"`
	ServiceDate     *dates.Date         `json:"service_date"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	var req recordPaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p := &Payment{
		PayerID:         req.PayerID,
		PaymentDate:     req.PaymentDate.Time,
		TotalAmount:     req.TotalAmount,
		Method:          req.Method,
		ReferenceNumber: req.ReferenceNumber,
		Adjustments:     toAdjustments(req.Adjustments, AdjProviderLevel),
		ClientID:        req.ClientID,
	}
	if req.ServiceDate != nil {
		p.ServiceDate = req.ServiceDate.Ptr()
	}
	out, err := h.engine.RecordPayment(c.Request().Context(), p, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{Status: Status(c.QueryParam("status")), PayerID: c.QueryParam("payer_id")}
	items, total, err := h.engine.ListPayments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

type paymentResponse struct {
	*Payment
	Allocations []*ClaimPayment `json:"allocations"`
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := paymentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.engine.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	allocations, err := h.engine.Allocations(ctx, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, paymentResponse{Payment: p, Allocations: allocations})
}

func (h *Handler) SuggestMatches(c echo.Context) error {
	id, err := paymentID(c)
	if err != nil {
		return err
	}
	items, err := h.engine.SuggestMatches(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"suggestions": items})
}

type allocationRequest struct {
	ClaimID      uuid.UUID           `json:"claim_id" validate:"required"`
	Amount       decimal.Decimal     `json:"amount"`
	Adjustments  []adjustmentRequest `json:"adjustments" validate:"dive"`
	DenialReason string              `json:"denial_reason"`
}

type reconcileRequest struct {
	Allocations []allocationRequest `json:"allocations" validate:"required,min=1,dive"`
}

func (r reconcileRequest) allocations() []Allocation {
	out := make([]Allocation, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		out = append(out, Allocation{
			ClaimID:      a.ClaimID,
			Amount:       a.Amount,
			Adjustments:  toAdjustments(a.Adjustments, AdjContractual),
			DenialReason: a.DenialReason,
		})
	}
	return out
}

func (h *Handler) Reconcile(c echo.Context) error {
	id, err := paymentID(c)
	if err != nil {
		return err
	}
	var req reconcileRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.engine.Reconcile(c.Request().Context(), id, req.allocations(), actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PreviewReconciliation(c echo.Context) error {
	id, err := paymentID(c)
	if err != nil {
		return err
	}
	var req reconcileRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.engine.PreviewReconciliation(c.Request().Context(), id, req.allocations())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AutoReconcile(c echo.Context) error {
	id, err := paymentID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.AutoReconcile(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UndoReconciliation(c echo.Context) error {
	id, err := paymentID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.UndoReconciliation(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
