package payer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/platform/apperror"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc, cfg IntegrationConfig) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.ID == "" {
		cfg.ID = "clearinghouse"
	}
	a, err := NewHTTPAdapter(cfg)
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	return a
}

func sampleClaim() ClaimSubmission {
	return ClaimSubmission{
		ClaimID:      uuid.New(),
		ClaimNumber:  "CLM-20260301-A1B2C3",
		PayerID:      "MEDICAID-OH",
		BilledAmount: decimal.NewFromInt(250),
	}
}

func TestHTTPAdapter_SubmitClaim(t *testing.T) {
	var gotAuth, gotSig string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/claims" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotSig = r.Header.Get("X-RCM-Signature")
		var body ClaimSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.ClaimNumber != "CLM-20260301-A1B2C3" {
			t.Errorf("unexpected claim number %s", body.ClaimNumber)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tracking_id":"TRK-1","acknowledged":true}`))
	}, IntegrationConfig{APIKey: "k", Secret: "s"})

	resp, err := a.SubmitClaim(context.Background(), sampleClaim())
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	if resp.TrackingID != "TRK-1" || !resp.Acknowledged {
		t.Errorf("unexpected response %+v", resp)
	}
	if gotAuth != "Bearer k" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Errorf("expected signature header, got %q", gotSig)
	}
}

func TestHTTPAdapter_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		counts    bool
	}{
		{http.StatusBadRequest, false, false},
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusNotFound, false, false},
		{http.StatusConflict, false, false},
		{http.StatusUnprocessableEntity, false, false},
		{http.StatusTooManyRequests, true, true},
		{http.StatusInternalServerError, true, true},
		{http.StatusBadGateway, true, true},
		{http.StatusServiceUnavailable, true, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"detail for operators"}`))
			}, IntegrationConfig{})

			_, err := a.SubmitClaim(context.Background(), sampleClaim())
			var ie *apperror.IntegrationError
			if !errors.As(err, &ie) {
				t.Fatalf("expected IntegrationError, got %T %v", err, err)
			}
			if ie.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, ie.StatusCode)
			}
			if ie.Retryable != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, ie.Retryable)
			}
			if CountsAgainstBreaker(err) != tt.counts {
				t.Errorf("expected counts=%v", tt.counts)
			}
			if !strings.Contains(ie.Body, "detail for operators") {
				t.Errorf("expected body kept for diagnostics, got %q", ie.Body)
			}
		})
	}
}

func TestHTTPAdapter_NetworkErrorIsRetryable(t *testing.T) {
	a, err := NewHTTPAdapter(IntegrationConfig{ID: "x", BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	_, err = a.SubmitClaim(context.Background(), sampleClaim())
	if !apperror.IsRetryable(err) {
		t.Errorf("expected retryable network error, got %v", err)
	}
	if !CountsAgainstBreaker(err) {
		t.Error("expected network error to count against breaker")
	}
}

func TestHTTPAdapter_MissingTrackingIDNotRetried(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"acknowledged":true}`))
	}, IntegrationConfig{})
	_, err := a.SubmitClaim(context.Background(), sampleClaim())
	if err == nil || apperror.IsRetryable(err) {
		t.Errorf("expected non-retryable error, got %v", err)
	}
}

func TestHTTPAdapter_CheckStatus(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/claims/TRK-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"partial","paid_amount":"120.50"}`))
	}, IntegrationConfig{})
	st, err := a.CheckStatus(context.Background(), "TRK-9")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if st.Status != StatusPartial || !st.PaidAmount.Equal(decimal.RequireFromString("120.50")) {
		t.Errorf("unexpected status %+v", st)
	}
	if st.TrackingID != "TRK-9" {
		t.Errorf("expected tracking id set, got %q", st.TrackingID)
	}
}

func TestHTTPAdapter_SubmitBatch(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"claim_number":"A","tracking_id":"T-A","acknowledged":true},
			{"claim_number":"B","error":"invalid member id","status":400}
		]}`))
	}, IntegrationConfig{})
	claims := []ClaimSubmission{{ClaimID: uuid.New(), ClaimNumber: "A"}, {ClaimID: uuid.New(), ClaimNumber: "B"}, {ClaimID: uuid.New(), ClaimNumber: "C"}}

	results, err := a.SubmitBatch(context.Background(), claims)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].TrackingID != "T-A" || results[0].Err != nil {
		t.Errorf("unexpected first result %+v", results[0])
	}
	var ie *apperror.IntegrationError
	if !errors.As(results[1].Err, &ie) || ie.StatusCode != 400 {
		t.Errorf("expected 400 for B, got %v", results[1].Err)
	}
	if results[2].Err == nil {
		t.Error("expected error for claim missing from response")
	}
}

func TestHTTPAdapter_CheckHealth(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, IntegrationConfig{})
	h, err := a.CheckHealth(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if h.Status != "down" {
		t.Errorf("expected down, got %s", h.Status)
	}
}

func TestNewHTTPAdapter_InvalidURL(t *testing.T) {
	if _, err := NewHTTPAdapter(IntegrationConfig{BaseURL: "ftp://x"}); err == nil {
		t.Error("expected error for non-http scheme")
	}
}

func TestSandboxAdapter(t *testing.T) {
	s := NewSandboxAdapter("sbx")
	ctx := context.Background()
	c := sampleClaim()

	s.Script(c.ClaimNumber, Classify("sbx", "/claims", 503, "", nil), nil)
	if _, err := s.SubmitClaim(ctx, c); !apperror.IsRetryable(err) {
		t.Fatalf("expected scripted 503, got %v", err)
	}
	resp, err := s.SubmitClaim(ctx, c)
	if err != nil {
		t.Fatalf("expected success on second attempt, got %v", err)
	}

	st, err := s.CheckStatus(ctx, resp.TrackingID)
	if err != nil || st.Status != StatusReceived {
		t.Fatalf("expected received, got %+v %v", st, err)
	}
	s.Adjudicate(resp.TrackingID, StatusResponse{Status: StatusDenied, DenialReason: "CO-29"})
	st, _ = s.CheckStatus(ctx, resp.TrackingID)
	if st.Status != StatusDenied || st.DenialReason != "CO-29" {
		t.Errorf("unexpected status %+v", st)
	}

	s.SetDown(true)
	if _, err := s.CheckHealth(ctx); err == nil {
		t.Error("expected health failure when down")
	}
	if s.Calls("submit") != 2 {
		t.Errorf("expected 2 submit calls, got %d", s.Calls("submit"))
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.Add(IntegrationConfig{ID: "sbx", Kind: KindSandbox}); err != nil {
		t.Fatalf("Add sandbox: %v", err)
	}
	if err := r.Add(IntegrationConfig{ID: "bad", Kind: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := r.Add(IntegrationConfig{ID: "ch", Kind: KindHTTP, BaseURL: "::bad"}); err == nil {
		t.Error("expected error for invalid http config")
	}

	a, err := r.Adapter("sbx")
	if err != nil {
		t.Fatalf("Adapter: %v", err)
	}
	if _, ok := a.(*SandboxAdapter); !ok {
		t.Errorf("expected sandbox adapter, got %T", a)
	}
	if _, err := r.Adapter("missing"); !apperror.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	r.RegisterFactory("custom", func(cfg IntegrationConfig, _ zerolog.Logger) (Adapter, error) {
		return NewSandboxAdapter(cfg.ID), nil
	})
	if err := r.Add(IntegrationConfig{ID: "c", Kind: "custom"}); err != nil {
		t.Fatalf("custom factory: %v", err)
	}
	if got := r.IDs(); len(got) != 2 || got[0] != "c" || got[1] != "sbx" {
		t.Errorf("unexpected ids %v", got)
	}
}
