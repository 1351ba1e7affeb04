package payer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rcm/rcm/internal/platform/apperror"
)

const (
	KindHTTP    = "http"
	KindSandbox = "sandbox"
)

// maxBodyLog bounds how much of an error response is kept for diagnostics.
const maxBodyLog = 2048

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) HTTPOption {
	return func(a *HTTPAdapter) { a.logger = l }
}

// HTTPAdapter talks to a JSON clearinghouse API:
//
//	POST {base}/claims                 submit one claim
//	POST {base}/claims/batch           submit many claims
//	GET  {base}/claims/{tracking}      adjudication status
//	GET  {base}/health                 liveness
//
// Requests carry the API key as a bearer token and, when a secret is
// configured, an HMAC-SHA256 signature of the body.
type HTTPAdapter struct {
	cfg     IntegrationConfig
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewHTTPAdapter(cfg IntegrationConfig, opts ...HTTPOption) (*HTTPAdapter, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	a := &HTTPAdapter{
		cfg:     cfg,
		base:    base,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// malformed reports a 2xx response that could not be understood. The request
// may have been accepted, so it is not retried.
func malformed(service, endpoint string, err error) *apperror.IntegrationError {
	return &apperror.IntegrationError{Service: service, Endpoint: endpoint, StatusCode: http.StatusOK, Err: err}
}

func (a *HTTPAdapter) Connect(ctx context.Context) error {
	_, err := a.CheckHealth(ctx)
	return err
}

type submitBody struct {
	TrackingID   string `json:"tracking_id"`
	Acknowledged bool   `json:"acknowledged"`
}

func (a *HTTPAdapter) SubmitClaim(ctx context.Context, claim ClaimSubmission) (*SubmitResponse, error) {
	var out submitBody
	if err := a.do(ctx, http.MethodPost, "/claims", claim, &out); err != nil {
		return nil, err
	}
	if out.TrackingID == "" {
		return nil, malformed(a.cfg.ID, "/claims", fmt.Errorf("response missing tracking_id"))
	}
	return &SubmitResponse{TrackingID: out.TrackingID, Acknowledged: out.Acknowledged}, nil
}

func (a *HTTPAdapter) CheckStatus(ctx context.Context, trackingID string) (*StatusResponse, error) {
	var out StatusResponse
	if err := a.do(ctx, http.MethodGet, "/claims/"+url.PathEscape(trackingID), nil, &out); err != nil {
		return nil, err
	}
	if out.Status == "" {
		out.Status = StatusUnknown
	}
	out.TrackingID = trackingID
	return &out, nil
}

type batchBody struct {
	Results []struct {
		ClaimNumber  string `json:"claim_number"`
		TrackingID   string `json:"tracking_id"`
		Acknowledged bool   `json:"acknowledged"`
		Error        string `json:"error"`
		Status       int    `json:"status"`
	} `json:"results"`
}

func (a *HTTPAdapter) SubmitBatch(ctx context.Context, claims []ClaimSubmission) ([]BatchItemResult, error) {
	var out batchBody
	if err := a.do(ctx, http.MethodPost, "/claims/batch", map[string]any{"claims": claims}, &out); err != nil {
		return nil, err
	}
	byNumber := make(map[string]int, len(out.Results))
	for i, r := range out.Results {
		byNumber[r.ClaimNumber] = i
	}
	results := make([]BatchItemResult, len(claims))
	for i, c := range claims {
		results[i].ClaimID = c.ClaimID
		idx, ok := byNumber[c.ClaimNumber]
		if !ok {
			results[i].Err = malformed(a.cfg.ID, "/claims/batch", fmt.Errorf("no result for claim %s", c.ClaimNumber))
			continue
		}
		r := out.Results[idx]
		if r.Error != "" || r.TrackingID == "" {
			status := r.Status
			if status == 0 {
				status = http.StatusUnprocessableEntity
			}
			results[i].Err = Classify(a.cfg.ID, "/claims/batch", status, r.Error, nil)
			continue
		}
		results[i].TrackingID = r.TrackingID
		results[i].Acknowledged = r.Acknowledged
	}
	return results, nil
}

func (a *HTTPAdapter) CheckHealth(ctx context.Context) (*Health, error) {
	start := time.Now()
	err := a.do(ctx, http.MethodGet, "/health", nil, nil)
	h := &Health{Status: "up", ResponseTimeMs: time.Since(start).Milliseconds()}
	if err != nil {
		h.Status = "down"
		h.Message = "health check failed"
		return h, err
	}
	return h, nil
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, in, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return Classify(a.cfg.ID, path, 0, "", err)
	}

	var body io.Reader
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if a.cfg.Secret != "" {
			req.Header.Set("X-RCM-Signature", "sha256="+SignPayload(payload, a.cfg.Secret))
		}
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Str("endpoint", path).Dur("elapsed", time.Since(start)).Msg("payer request failed")
		return Classify(a.cfg.ID, path, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
		a.logger.Warn().
			Str("endpoint", path).
			Int("status", resp.StatusCode).
			Str("body", string(raw)).
			Dur("elapsed", time.Since(start)).
			Msg("payer returned error status")
		return Classify(a.cfg.ID, path, resp.StatusCode, string(raw), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return malformed(a.cfg.ID, path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
