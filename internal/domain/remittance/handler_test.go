package remittance

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/middleware"
)

func newTestServer(t *testing.T, roles ...string) (*fixture, *echo.Echo) {
	f := newFixture(t)
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
	NewHandler(f.processor).RegisterRoutes(api)
	return f, srv
}

func post(srv *echo.Echo, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandler_IngestRawBody(t *testing.T) {
	_, srv := newTestServer(t, auth.RoleBiller)

	rec := post(srv, "/api/v1/remittances?type=x12-835&name=era.835", "text/plain", []byte(interchange(goodSet(1), goodSet(2))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res IngestResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Recorded != 2 || res.Source != "era.835" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_IngestMultipart(t *testing.T) {
	_, srv := newTestServer(t, auth.RoleBiller)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	w.WriteField("type", "csv")
	fw, _ := w.CreateFormFile("file", "march.csv")
	fw.Write([]byte(remitCSV))
	w.Close()

	rec := post(srv, "/api/v1/remittances", w.FormDataContentType(), body.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res IngestResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Recorded != 2 || len(res.ParseErrors) != 1 || res.Source != "march.csv" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_Parse(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleBiller)

	rec := post(srv, "/api/v1/remittances/parse?type=x12-835", "text/plain", []byte(interchange(checkSet())))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Payments        []json.RawMessage `json:"payments"`
		AdjustmentCodes map[string]string `json:"adjustment_codes"`
	}
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Payments) != 1 || res.AdjustmentCodes["50"] != "not medically necessary" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if len(f.recorder.Events()) != 0 {
		t.Error("parse must not record payments")
	}
}

func TestHandler_Errors(t *testing.T) {
	_, srv := newTestServer(t, auth.RoleBiller)

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing type", "/api/v1/remittances", interchange(goodSet(1)), http.StatusBadRequest},
		{"unknown type", "/api/v1/remittances?type=pdf", "x", http.StatusBadRequest},
		{"empty body", "/api/v1/remittances?type=csv", "", http.StatusBadRequest},
		{"broken envelope", "/api/v1/remittances?type=x12-835", "ISA*00", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(srv, tc.path, "text/plain", []byte(tc.body))
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_RequiresBillingRole(t *testing.T) {
	_, srv := newTestServer(t, "viewer")

	rec := post(srv, "/api/v1/remittances?type=x12-835", "text/plain", []byte(strings.TrimSpace(interchange(goodSet(1)))))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_ManagerParsesButDoesNotIngest(t *testing.T) {
	f, srv := newTestServer(t, auth.RoleBillingManager)
	file := []byte(interchange(goodSet(1)))

	if rec := post(srv, "/api/v1/remittances?type=x12-835", "text/plain", file); rec.Code != http.StatusForbidden {
		t.Errorf("ingest: expected 403, got %d", rec.Code)
	}
	if rec := post(srv, "/api/v1/remittances/parse?type=x12-835", "text/plain", file); rec.Code != http.StatusOK {
		t.Errorf("parse: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.recorder.Events()) != 0 {
		t.Error("expected nothing recorded")
	}
}
