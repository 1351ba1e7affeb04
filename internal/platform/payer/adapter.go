// Package payer defines the capability interface implemented once per
// external payer integration (clearinghouse, Medicaid portal, sandbox) and a
// registry that builds adapters by integration kind.
package payer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ServiceLine is one billed line on a submitted claim.
type ServiceLine struct {
	ServiceID           uuid.UUID       `json:"service_id"`
	ServiceCode         string          `json:"service_code"`
	ServiceDate         time.Time       `json:"service_date"`
	Units               int             `json:"units"`
	Amount              decimal.Decimal `json:"amount"`
	RenderingProviderID string          `json:"rendering_provider_id,omitempty"`
}

// ClaimSubmission is the payer-neutral claim handed to an adapter.
type ClaimSubmission struct {
	ClaimID             uuid.UUID       `json:"claim_id"`
	ClaimNumber         string          `json:"claim_number"`
	ClaimType           string          `json:"claim_type"`
	OriginalTrackingID  string          `json:"original_tracking_id,omitempty"`
	ClientID            uuid.UUID       `json:"client_id"`
	PayerID             string          `json:"payer_id"`
	BilledAmount        decimal.Decimal `json:"billed_amount"`
	SubmissionMethod    string          `json:"submission_method"`
	Lines               []ServiceLine   `json:"lines"`
}

// SubmitResponse is returned by a successful submission.
type SubmitResponse struct {
	TrackingID   string `json:"tracking_id"`
	Acknowledged bool   `json:"acknowledged"`
}

// AdjudicationStatus is the payer-side claim status reported by CheckStatus.
type AdjudicationStatus string

const (
	StatusReceived AdjudicationStatus = "received"
	StatusPending  AdjudicationStatus = "pending"
	StatusPaid     AdjudicationStatus = "paid"
	StatusPartial  AdjudicationStatus = "partial"
	StatusDenied   AdjudicationStatus = "denied"
	StatusUnknown  AdjudicationStatus = "unknown"
)

// StatusResponse is the result of a status poll.
type StatusResponse struct {
	TrackingID    string             `json:"tracking_id"`
	Status        AdjudicationStatus `json:"status"`
	PaidAmount    decimal.Decimal    `json:"paid_amount"`
	DenialReason  string             `json:"denial_reason,omitempty"`
	AdjudicatedAt *time.Time         `json:"adjudicated_at,omitempty"`
}

// BatchItemResult is the per-claim outcome of SubmitBatch.
type BatchItemResult struct {
	ClaimID      uuid.UUID `json:"claim_id"`
	TrackingID   string    `json:"tracking_id,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	Err          error     `json:"-"`
}

// Health is the result of CheckHealth.
type Health struct {
	Status         string `json:"status"` // "up", "degraded", "down"
	ResponseTimeMs int64  `json:"response_time_ms"`
	Message        string `json:"message,omitempty"`
}

// Adapter is implemented by every payer integration. Errors are
// *apperror.IntegrationError values carrying the retry classification.
type Adapter interface {
	Connect(ctx context.Context) error
	SubmitClaim(ctx context.Context, claim ClaimSubmission) (*SubmitResponse, error)
	CheckStatus(ctx context.Context, trackingID string) (*StatusResponse, error)
	// SubmitBatch returns one result per input claim, in order. A non-nil
	// error means the batch as a whole failed.
	SubmitBatch(ctx context.Context, claims []ClaimSubmission) ([]BatchItemResult, error)
	CheckHealth(ctx context.Context) (*Health, error)
}

// IntegrationConfig describes one configured integration.
type IntegrationConfig struct {
	ID        string        `mapstructure:"id"`
	Kind      string        `mapstructure:"kind"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Secret    string        `mapstructure:"secret"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}
