package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/pkg/money"
)

type Status string

const (
	StatusUnreconciled        Status = "UNRECONCILED"
	StatusPartiallyReconciled Status = "PARTIALLY_RECONCILED"
	StatusReconciled          Status = "RECONCILED"
	StatusOverpaid            Status = "OVERPAID"
	StatusUnderpaid           Status = "UNDERPAID"
)

type Method string

const (
	MethodCheck       Method = "check"
	MethodACH         Method = "ach"
	MethodEFT         Method = "eft"
	MethodVirtualCard Method = "virtual-card"
	MethodOther       Method = "other"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCheck, MethodACH, MethodEFT, MethodVirtualCard, MethodOther:
		return true
	}
	return false
}

type AdjustmentType string

const (
	AdjContractual           AdjustmentType = "contractual"
	AdjPatientResponsibility AdjustmentType = "patient-responsibility"
	AdjOther                 AdjustmentType = "other"
	AdjPayerInitiated        AdjustmentType = "payer-initiated"
	AdjCorrection            AdjustmentType = "correction"
	AdjProviderLevel         AdjustmentType = "provider-level"
)

// AdjustmentTypeForGroup maps an X12 claim adjustment group code to its type.
func AdjustmentTypeForGroup(group string) AdjustmentType {
	switch group {
	case "CO":
		return AdjContractual
	case "PR":
		return AdjPatientResponsibility
	case "PI":
		return AdjPayerInitiated
	case "CR":
		return AdjCorrection
	default:
		return AdjOther
	}
}

// Adjustment is a claim-level (CAS) or payment-level (PLB) amount that is
// not paid. Order is preserved as received.
type Adjustment struct {
	Type        AdjustmentType  `json:"type"`
	Group       string          `json:"group,omitempty"`
	Code        string          `json:"code"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// SumAdjustments totals the amounts of adjs.
func SumAdjustments(adjs []Adjustment) decimal.Decimal {
	total := decimal.Zero
	for _, a := range adjs {
		total = total.Add(a.Amount)
	}
	return money.Round(total)
}

// RemitClaim is the claim-level detail a payer reported for a payment.
type RemitClaim struct {
	ClaimNumber string          `json:"claim_number"`
	TrackingID  string          `json:"tracking_id,omitempty"`
	StatusCode  string          `json:"status_code"`
	Billed      decimal.Decimal `json:"billed"`
	Paid        decimal.Decimal `json:"paid"`
	PatientResp decimal.Decimal `json:"patient_responsibility"`
	ServiceDate *time.Time      `json:"service_date,omitempty"`
	Adjustments []Adjustment    `json:"adjustments,omitempty"`
}

// Denied reports whether the payer denied the claim (CLP02 = 4).
func (r RemitClaim) Denied() bool {
	return r.StatusCode == "4"
}

// DenialReason describes a denied claim from its first adjustment.
func (r RemitClaim) DenialReason() string {
	if !r.Denied() {
		return ""
	}
	for _, a := range r.Adjustments {
		if a.Description != "" {
			return a.Group + "-" + a.Code + ": " + a.Description
		}
		return a.Group + "-" + a.Code
	}
	return "denied by payer"
}

// Payment maps to the payments table.
type Payment struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	PayerID          string          `db:"payer_id" json:"payer_id"`
	PaymentDate      time.Time       `db:"payment_date" json:"payment_date"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	Method           Method          `db:"method" json:"method"`
	ReferenceNumber  string          `db:"reference_number" json:"reference_number"`
	Status           Status          `db:"status" json:"status"`
	Difference       decimal.Decimal `db:"difference" json:"difference"`
	Adjustments      []Adjustment    `db:"adjustments" json:"adjustments"`
	RemitClaims      []RemitClaim    `db:"remit_claims" json:"remit_claims,omitempty"`
	ClientID         *uuid.UUID      `db:"client_id" json:"client_id,omitempty"`
	ServiceDate      *time.Time      `db:"service_date" json:"service_date,omitempty"`
	ReconciliationID *uuid.UUID      `db:"reconciliation_id" json:"reconciliation_id,omitempty"`
	SourceFile       *string         `db:"source_file" json:"source_file,omitempty"`
	VersionID        int             `db:"version_id" json:"version_id"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// AdjustmentTotal is the sum of payment-level adjustments.
func (p *Payment) AdjustmentTotal() decimal.Decimal {
	return SumAdjustments(p.Adjustments)
}

// Available is the amount that can be allocated to claims.
func (p *Payment) Available() decimal.Decimal {
	return money.Round(p.TotalAmount.Sub(p.AdjustmentTotal()))
}

// Reconciled reports whether an allocation set is currently applied.
func (p *Payment) Reconciled() bool {
	return p.ReconciliationID != nil
}

func (p *Payment) Clone() *Payment {
	cp := *p
	cp.Adjustments = append([]Adjustment(nil), p.Adjustments...)
	cp.RemitClaims = make([]RemitClaim, len(p.RemitClaims))
	for i, rc := range p.RemitClaims {
		rc.Adjustments = append([]Adjustment(nil), rc.Adjustments...)
		cp.RemitClaims[i] = rc
	}
	if p.ClientID != nil {
		id := *p.ClientID
		cp.ClientID = &id
	}
	if p.ServiceDate != nil {
		d := *p.ServiceDate
		cp.ServiceDate = &d
	}
	if p.ReconciliationID != nil {
		id := *p.ReconciliationID
		cp.ReconciliationID = &id
	}
	if p.SourceFile != nil {
		s := *p.SourceFile
		cp.SourceFile = &s
	}
	return &cp
}

// ClaimPayment maps to claim_payments: one allocation of a payment to a
// claim under a reconciliation. Reversed rows are kept for audit.
type ClaimPayment struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	PaymentID        uuid.UUID       `db:"payment_id" json:"payment_id"`
	ClaimID          uuid.UUID       `db:"claim_id" json:"claim_id"`
	ReconciliationID uuid.UUID       `db:"reconciliation_id" json:"reconciliation_id"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Adjustments      []Adjustment    `db:"adjustments" json:"adjustments"`
	PriorStatus      string          `db:"prior_status" json:"prior_status"`
	ResultStatus     string          `db:"result_status" json:"result_status"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	ReversedAt       *time.Time      `db:"reversed_at" json:"reversed_at,omitempty"`
}

// Allocation assigns part of a payment to one claim. A zero Amount with a
// DenialReason records a denial.
type Allocation struct {
	ClaimID      uuid.UUID       `json:"claim_id"`
	Amount       decimal.Decimal `json:"amount"`
	Adjustments  []Adjustment    `json:"adjustments,omitempty"`
	DenialReason string          `json:"denial_reason,omitempty"`
}

func (a Allocation) denial() bool {
	return a.DenialReason != "" && a.Amount.IsZero()
}

// adjusted is the amount the allocation writes off the claim balance.
func (a Allocation) adjusted() decimal.Decimal {
	if a.denial() {
		return decimal.Zero
	}
	return SumAdjustments(a.Adjustments)
}

// Difference applies the reconciliation formula: total minus allocations
// minus payment-level adjustments.
func Difference(total decimal.Decimal, allocations []Allocation, adjustments []Adjustment) decimal.Decimal {
	d := total.Sub(SumAdjustments(adjustments))
	for _, a := range allocations {
		d = d.Sub(a.Amount)
	}
	return money.Round(d)
}

// StatusForDifference classifies a reconciliation by its difference.
func StatusForDifference(d decimal.Decimal) Status {
	switch {
	case money.IsZero(d):
		return StatusReconciled
	case d.IsPositive():
		return StatusPartiallyReconciled
	default:
		return StatusOverpaid
	}
}

// ingestStatus flags a payment whose total disagrees with the claim detail
// the payer sent alongside it.
func ingestStatus(p *Payment) (Status, decimal.Decimal) {
	d := p.TotalAmount.Sub(p.AdjustmentTotal())
	if len(p.RemitClaims) == 0 {
		return StatusUnreconciled, money.Round(d)
	}
	for _, rc := range p.RemitClaims {
		d = d.Sub(rc.Paid)
	}
	d = money.Round(d)
	switch {
	case money.IsZero(d):
		return StatusUnreconciled, d
	case d.IsPositive():
		return StatusOverpaid, d
	default:
		return StatusUnderpaid, d
	}
}
