package claim

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/pkg/money"
)

type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusValidated   Status = "VALIDATED"
	StatusSubmitted   Status = "SUBMITTED"
	StatusPending     Status = "PENDING"
	StatusPaid        Status = "PAID"
	StatusPartialPaid Status = "PARTIAL_PAID"
	StatusDenied      Status = "DENIED"
	StatusAppealed    Status = "APPEALED"
	StatusVoid        Status = "VOID"
)

// OutstandingStatuses are the statuses in which a claim can receive payment.
var OutstandingStatuses = []Status{StatusSubmitted, StatusPending, StatusPartialPaid, StatusAppealed}

// IsOutstanding reports whether the claim can still receive payment.
func (s Status) IsOutstanding() bool {
	for _, o := range OutstandingStatuses {
		if s == o {
			return true
		}
	}
	return false
}

type ClaimType string

const (
	TypeOriginal    ClaimType = "original"
	TypeAdjustment  ClaimType = "adjustment"
	TypeReplacement ClaimType = "replacement"
	TypeVoid        ClaimType = "void"
)

func (t ClaimType) Valid() bool {
	switch t {
	case TypeOriginal, TypeAdjustment, TypeReplacement, TypeVoid:
		return true
	}
	return false
}

type BillingStatus string

const (
	BillingUnbilled BillingStatus = "unbilled"
	BillingReady    BillingStatus = "ready"
	BillingInClaim  BillingStatus = "in-claim"
	BillingBilled   BillingStatus = "billed"
	BillingPaid     BillingStatus = "paid"
	BillingDenied   BillingStatus = "denied"
	BillingVoid     BillingStatus = "void"
)

type DocumentationStatus string

const (
	DocIncomplete       DocumentationStatus = "incomplete"
	DocPendingSignature DocumentationStatus = "pending-signature"
	DocComplete         DocumentationStatus = "complete"
)

// Claim maps to the claims table.
type Claim struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	ClaimNumber         string          `db:"claim_number" json:"claim_number"`
	Status              Status          `db:"status" json:"status"`
	ClaimType           ClaimType       `db:"claim_type" json:"claim_type"`
	OriginalClaimID     *uuid.UUID      `db:"original_claim_id" json:"original_claim_id,omitempty"`
	ClientID            uuid.UUID       `db:"client_id" json:"client_id"`
	PayerID             string          `db:"payer_id" json:"payer_id"`
	IntegrationID       string          `db:"integration_id" json:"integration_id"`
	ServiceIDs          []uuid.UUID     `db:"service_ids" json:"service_ids"`
	BilledAmount        decimal.Decimal `db:"billed_amount" json:"billed_amount"`
	PaidAmount          decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	AdjustedAmount      decimal.Decimal `db:"adjusted_amount" json:"adjusted_amount"`
	SubmissionMethod    *string         `db:"submission_method" json:"submission_method,omitempty"`
	SubmissionDate      *time.Time      `db:"submission_date" json:"submission_date,omitempty"`
	AdjudicationDate    *time.Time      `db:"adjudication_date" json:"adjudication_date,omitempty"`
	DenialReason        *string         `db:"denial_reason" json:"denial_reason,omitempty"`
	VoidReason          *string         `db:"void_reason" json:"void_reason,omitempty"`
	AppealJustification *string         `db:"appeal_justification" json:"appeal_justification,omitempty"`
	AppealArtifacts     []string        `db:"appeal_artifacts" json:"appeal_artifacts,omitempty"`
	ExternalTrackingID  *string         `db:"external_tracking_id" json:"external_tracking_id,omitempty"`
	EarliestServiceDate *time.Time      `db:"earliest_service_date" json:"earliest_service_date,omitempty"`
	VersionID           int             `db:"version_id" json:"version_id"`
	CreatedBy           string          `db:"created_by" json:"created_by"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Balance is the amount still expected from the payer.
func (c *Claim) Balance() decimal.Decimal {
	return money.Round(c.BilledAmount.Sub(c.PaidAmount).Sub(c.AdjustedAmount))
}

// TrackingID returns the payer tracking id or "".
func (c *Claim) TrackingID() string {
	if c.ExternalTrackingID == nil {
		return ""
	}
	return *c.ExternalTrackingID
}

// Clone returns a deep copy.
func (c *Claim) Clone() *Claim {
	cp := *c
	cp.OriginalClaimID = clonePtr(c.OriginalClaimID)
	cp.ServiceIDs = append([]uuid.UUID(nil), c.ServiceIDs...)
	cp.SubmissionMethod = clonePtr(c.SubmissionMethod)
	cp.SubmissionDate = clonePtr(c.SubmissionDate)
	cp.AdjudicationDate = clonePtr(c.AdjudicationDate)
	cp.DenialReason = clonePtr(c.DenialReason)
	cp.VoidReason = clonePtr(c.VoidReason)
	cp.AppealJustification = clonePtr(c.AppealJustification)
	cp.AppealArtifacts = append([]string(nil), c.AppealArtifacts...)
	cp.ExternalTrackingID = clonePtr(c.ExternalTrackingID)
	cp.EarliestServiceDate = clonePtr(c.EarliestServiceDate)
	return &cp
}

// StatusHistory maps to claim_status_history. Entries are never updated.
type StatusHistory struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ClaimID    uuid.UUID `db:"claim_id" json:"claim_id"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	Reason     *string   `db:"reason" json:"reason,omitempty"`
	Notes      *string   `db:"notes" json:"notes,omitempty"`
	SourceRef  *string   `db:"source_ref" json:"source_ref,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Service is a delivered, billable unit of care.
type Service struct {
	ID                  uuid.UUID           `db:"id" json:"id"`
	ClientID            uuid.UUID           `db:"client_id" json:"client_id"`
	PayerID             string              `db:"payer_id" json:"payer_id"`
	ServiceCode         string              `db:"service_code" json:"service_code"`
	ServiceDate         time.Time           `db:"service_date" json:"service_date"`
	Units               int                 `db:"units" json:"units"`
	Rate                decimal.Decimal     `db:"rate" json:"rate"`
	BillingStatus       BillingStatus       `db:"billing_status" json:"billing_status"`
	DocumentationStatus DocumentationStatus `db:"documentation_status" json:"documentation_status"`
	AuthorizationID     *uuid.UUID          `db:"authorization_id" json:"authorization_id,omitempty"`
	RenderingProviderID *string             `db:"rendering_provider_id" json:"rendering_provider_id,omitempty"`
	ClaimID             *uuid.UUID          `db:"claim_id" json:"claim_id,omitempty"`
	VersionID           int                 `db:"version_id" json:"version_id"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// Amount is units × rate.
func (s *Service) Amount() decimal.Decimal {
	return money.Round(s.Rate.Mul(decimal.NewFromInt(int64(s.Units))))
}

// Claimable reports whether the service may be put on a new claim.
func (s *Service) Claimable() bool {
	return (s.BillingStatus == BillingUnbilled || s.BillingStatus == BillingReady) && s.ClaimID == nil
}

func (s *Service) Clone() *Service {
	cp := *s
	cp.AuthorizationID = clonePtr(s.AuthorizationID)
	cp.RenderingProviderID = clonePtr(s.RenderingProviderID)
	cp.ClaimID = clonePtr(s.ClaimID)
	return &cp
}

// Authorization is a payer's approval of a number of units of one service
// code within a date window.
type Authorization struct {
	ID              uuid.UUID `db:"id" json:"id"`
	ClientID        uuid.UUID `db:"client_id" json:"client_id"`
	PayerID         string    `db:"payer_id" json:"payer_id"`
	ServiceCode     string    `db:"service_code" json:"service_code"`
	AuthorizedUnits int       `db:"authorized_units" json:"authorized_units"`
	UsedUnits       int       `db:"used_units" json:"used_units"`
	StartDate       time.Time `db:"start_date" json:"start_date"`
	EndDate         time.Time `db:"end_date" json:"end_date"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

func (a *Authorization) Remaining() int {
	return a.AuthorizedUnits - a.UsedUnits
}

// Covers reports whether date falls inside the authorization window,
// inclusive on both ends.
func (a *Authorization) Covers(date time.Time) bool {
	d := dateOnly(date)
	return !d.Before(dateOnly(a.StartDate)) && !d.After(dateOnly(a.EndDate))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
