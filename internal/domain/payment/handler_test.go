package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/domain/claim"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/middleware"
)

func newTestServer(t *testing.T, roles ...string) (*fixture, *echo.Echo) {
	return newTestServerFor(t, newFixture(t), roles...)
}

// newTestServerFor serves an existing fixture under different roles.
func newTestServerFor(t *testing.T, f *fixture, roles ...string) (*fixture, *echo.Echo) {
	t.Helper()
	srv := echo.New()
	srv.Validator = middleware.NewRequestValidator()
	srv.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	api := srv.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithActor(c.Request().Context(), "user-1", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.engine).RegisterRoutes(api)
	return f, srv
}

func do(srv *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RecordPayment(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleBiller)

	body := `{"payer_id":"payer-a","payment_date":"2024-03-01","total_amount":"250.00","method":"eft","reference_number":"EFT-1",
		"adjustments":[{"code":"WO","amount":"-10.00"}]}`
	rec := do(srv, http.MethodPost, "/api/v1/payments", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p Payment
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Status != StatusUnreconciled || p.Method != MethodEFT {
		t.Errorf("unexpected payment %+v", p)
	}
	if len(p.Adjustments) != 1 || p.Adjustments[0].Type != AdjProviderLevel {
		t.Errorf("expected one provider-level adjustment, got %+v", p.Adjustments)
	}
	if _, total, _ := f.engine.ListPayments(context.Background(), ListFilter{}, 10, 0); total != 1 {
		t.Errorf("expected one stored payment, got %d", total)
	}

	rec = do(srv, http.MethodPost, "/api/v1/payments", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate reference: expected 409, got %d", rec.Code)
	}
}

func TestHandler_RecordPayment_Invalid(t *testing.T) {
	_, srv := newTestServer(t, auth.RoleBiller)

	cases := map[string]string{
		"bad method":   `{"payer_id":"payer-a","payment_date":"2024-03-01","total_amount":"1","method":"cash","reference_number":"X"}`,
		"no reference": `{"payer_id":"payer-a","payment_date":"2024-03-01","total_amount":"1","method":"check"}`,
		"bad json":     `{"payer_id":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(srv, http.MethodPost, "/api/v1/payments", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_ReconcileAndGet(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleBiller)
	c := f.outstanding(t, "300.00", testNow)
	p := f.payment(t, "300.00")

	preview := do(srv, http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/reconcile/preview",
		`{"allocations":[{"claim_id":"`+c.ID.String()+`","amount":"300.00"}]}`)
	if preview.Code != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d: %s", preview.Code, preview.Body.String())
	}
	if f.claimStatus(t, c.ID) != claim.StatusPending {
		t.Fatal("preview changed the claim")
	}

	rec := do(srv, http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/reconcile",
		`{"allocations":[{"claim_id":"`+c.ID.String()+`","amount":"300.00"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res ReconciliationResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Status != StatusReconciled || len(res.Claims) != 1 || res.Claims[0].Status != claim.StatusPaid {
		t.Errorf("unexpected result %+v", res)
	}

	rec = do(srv, http.MethodGet, "/api/v1/payments/"+p.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var got struct {
		Status      Status          `json:"status"`
		Allocations []*ClaimPayment `json:"allocations"`
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusReconciled || len(got.Allocations) != 1 {
		t.Errorf("unexpected payment body %s", rec.Body.String())
	}

	rec = do(srv, http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/reconcile",
		`{"allocations":[{"claim_id":"`+c.ID.String()+`","amount":"1.00"}]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("second reconcile: expected 422, got %d", rec.Code)
	}
}

func TestHandler_Reconcile_RequiresAllocations(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleBiller)
	p := f.payment(t, "10.00")

	rec := do(srv, http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/reconcile", `{"allocations":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_UndoRequiresManager(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleBiller)
	c := f.outstanding(t, "100.00", testNow)
	p := f.payment(t, "100.00")
	if _, err := f.engine.Reconcile(context.Background(), p.ID, []Allocation{alloc(c, "100.00")}, testActor); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	rec := do(srv, http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/undo", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("biller undo: expected 403, got %d", rec.Code)
	}

	_, mgr := newTestServerFor(t, f, auth.RoleBillingManager)
	rec = do(mgr, http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/undo", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("manager undo: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.claimStatus(t, c.ID) != claim.StatusPending {
		t.Errorf("claim not restored: %s", f.claimStatus(t, c.ID))
	}
}

func TestHandler_ManagerReadsButDoesNotPost(t *testing.T) {
	f, mgr := newTestServer(t, auth.RoleBillingManager)
	c := f.outstanding(t, "100.00", testNow)
	p := f.payment(t, "100.00")
	id := p.ID.String()

	rec := do(mgr, http.MethodPost, "/api/v1/payments",
		`{"payer_id":"payer-a","payment_date":"2024-03-01","total_amount":"10.00","method":"check","reference_number":"CHK-9"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("manager record: expected 403, got %d", rec.Code)
	}
	body := `{"allocations":[{"claim_id":"` + c.ID.String() + `","amount":"100.00"}]}`
	if rec := do(mgr, http.MethodPost, "/api/v1/payments/"+id+"/reconcile", body); rec.Code != http.StatusForbidden {
		t.Errorf("manager reconcile: expected 403, got %d", rec.Code)
	}
	if rec := do(mgr, http.MethodPost, "/api/v1/payments/"+id+"/auto-reconcile", ""); rec.Code != http.StatusForbidden {
		t.Errorf("manager auto-reconcile: expected 403, got %d", rec.Code)
	}
	if rec := do(mgr, http.MethodPost, "/api/v1/payments/"+id+"/reconcile/preview", body); rec.Code != http.StatusOK {
		t.Errorf("manager preview: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(mgr, http.MethodGet, "/api/v1/payments/"+id, ""); rec.Code != http.StatusOK {
		t.Errorf("manager get: expected 200, got %d", rec.Code)
	}
	if f.claimStatus(t, c.ID) != claim.StatusPending {
		t.Errorf("expected claim untouched, got %s", f.claimStatus(t, c.ID))
	}
}

func TestHandler_SuggestionsAndAutoReconcile(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleAdmin)
	c := f.outstanding(t, "75.00", testNow)
	p := f.payment(t, "75.00")

	rec := do(srv, http.MethodGet, "/api/v1/payments/"+p.ID.String()+"/suggestions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Suggestions) != 1 || body.Suggestions[0].ClaimID != c.ID || body.Suggestions[0].Reason != ReasonExactAmount {
		t.Fatalf("unexpected suggestions %+v", body.Suggestions)
	}

	rec = do(srv, http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/auto-reconcile", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.claimStatus(t, c.ID) != claim.StatusPaid {
		t.Errorf("expected PAID, got %s", f.claimStatus(t, c.ID))
	}
}

func TestHandler_ListPayments(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleBillingManager)
	f.payment(t, "10.00")
	f.payment(t, "20.00")

	rec := do(srv, http.MethodGet, "/api/v1/payments?status=UNRECONCILED&payer_id=payer-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 {
		t.Errorf("expected 2 payments, got %d", body.Total)
	}
}

func TestHandler_InvalidID(t *testing.T) {
	_, srv := newTestServer(t, auth.RoleBiller)

	rec := do(srv, http.MethodGet, "/api/v1/payments/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
