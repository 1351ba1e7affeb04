package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperror"
)

func handle(t *testing.T, err error) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var logs bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claims/x/submit", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	ErrorHandler(zerolog.New(&logs))(err, c)
	return rec, logs.String()
}

func TestErrorHandler_IntegrationErrorHidesDetail(t *testing.T) {
	err := &apperror.IntegrationError{Service: "availity", Endpoint: "/claims", StatusCode: 503, Retryable: true, Body: "upstream stack trace"}
	rec, logs := handle(t, err)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "upstream stack trace") || strings.Contains(rec.Body.String(), "/claims") {
		t.Errorf("expected diagnostic detail hidden, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "try again later") {
		t.Errorf("expected generic message, got %s", rec.Body.String())
	}
	if !strings.Contains(logs, "upstream stack trace") {
		t.Errorf("expected detail in logs, got %s", logs)
	}
}

func TestErrorHandler_BusinessError(t *testing.T) {
	err := apperror.Business("invalid-status-transition", "DRAFT -> PAID", map[string]any{"current": "DRAFT", "requested": "PAID"})
	rec, _ := handle(t, err)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	var body apperror.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Rule != "invalid-status-transition" || body.Context["current"] != "DRAFT" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestErrorHandler_EchoHTTPError(t *testing.T) {
	rec, _ := handle(t, echo.NewHTTPError(http.StatusBadRequest, "invalid id"))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "invalid id") {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestErrorHandler_UnknownError(t *testing.T) {
	rec, _ := handle(t, errors.New("boom: password=secret"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("expected internal detail hidden, got %s", rec.Body.String())
	}
}
