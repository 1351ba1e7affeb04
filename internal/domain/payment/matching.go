package payment

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/domain/claim"
	"github.com/rcm/rcm/pkg/money"
)

const (
	ConfidenceReference   = 1.0
	ConfidenceExactAmount = 0.8
	confidenceClient      = 0.3
	confidenceNearDate    = 0.15
	confidenceNearAmount  = 0.15
)

type MatchReason string

const (
	ReasonReference   MatchReason = "reference"
	ReasonExactAmount MatchReason = "exact-amount"
	ReasonClient      MatchReason = "client-proximity"
)

// MatchConfig tunes suggestion scoring and auto-reconciliation.
type MatchConfig struct {
	// ConfidenceThreshold is the minimum confidence AutoReconcile acts on.
	ConfidenceThreshold float64
	// AmountTolerancePct is how far, in percent, a balance may be from the
	// payment amount and still count as near.
	AmountTolerancePct float64
	DateWindowDays     int
}

func DefaultMatchConfig() MatchConfig {
	return MatchConfig{ConfidenceThreshold: 0.8, AmountTolerancePct: 5, DateWindowDays: 14}
}

// Suggestion is a candidate claim for a payment together with the
// allocation that would apply it.
type Suggestion struct {
	ClaimID        uuid.UUID       `json:"claim_id"`
	ClaimNumber    string          `json:"claim_number"`
	ClaimStatus    claim.Status    `json:"claim_status"`
	Balance        decimal.Decimal `json:"balance"`
	SubmissionDate *time.Time      `json:"submission_date,omitempty"`
	Confidence     float64         `json:"confidence"`
	Reason         MatchReason     `json:"reason"`
	Allocation     Allocation      `json:"allocation"`
}

// SuggestMatches ranks the payer's outstanding claims against a payment.
func (e *Engine) SuggestMatches(ctx context.Context, paymentID uuid.UUID) ([]Suggestion, error) {
	p, err := e.payments.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return e.suggest(ctx, p)
}

func (e *Engine) suggest(ctx context.Context, p *Payment) ([]Suggestion, error) {
	outstanding, err := e.claims.OutstandingClaims(ctx, p.PayerID)
	if err != nil {
		return nil, err
	}
	byRef := make(map[string]*claim.Claim, 2*len(outstanding))
	for _, c := range outstanding {
		byRef[c.ClaimNumber] = c
		if t := c.TrackingID(); t != "" {
			byRef[t] = c
		}
	}

	best := make(map[uuid.UUID]Suggestion)
	offer := func(c *claim.Claim, conf float64, reason MatchReason, a Allocation) {
		if cur, ok := best[c.ID]; ok && cur.Confidence >= conf {
			return
		}
		a.ClaimID = c.ID
		best[c.ID] = Suggestion{
			ClaimID:        c.ID,
			ClaimNumber:    c.ClaimNumber,
			ClaimStatus:    c.Status,
			Balance:        c.Balance(),
			SubmissionDate: c.SubmissionDate,
			Confidence:     conf,
			Reason:         reason,
			Allocation:     a,
		}
	}
	available := p.Available()

	for _, rc := range p.RemitClaims {
		c, ok := byRef[rc.ClaimNumber]
		if !ok && rc.TrackingID != "" {
			c, ok = byRef[rc.TrackingID]
		}
		if !ok {
			continue
		}
		a := Allocation{Amount: rc.Paid, Adjustments: rc.Adjustments}
		if rc.Denied() && rc.Paid.IsZero() {
			if !claim.CanTransition(c.Status, claim.StatusDenied) {
				continue
			}
			a.DenialReason = rc.DenialReason()
		}
		offer(c, ConfidenceReference, ReasonReference, a)
	}
	if c, ok := byRef[p.ReferenceNumber]; ok && len(p.RemitClaims) == 0 {
		offer(c, ConfidenceReference, ReasonReference, Allocation{Amount: money.Min(c.Balance(), available)})
	}

	if len(p.RemitClaims) == 0 {
		var exact []*claim.Claim
		for _, c := range outstanding {
			if money.Equal(c.Balance(), available) {
				exact = append(exact, c)
			}
		}
		if len(exact) == 1 {
			offer(exact[0], ConfidenceExactAmount, ReasonExactAmount, Allocation{Amount: exact[0].Balance()})
		}

		if p.ClientID != nil {
			for _, c := range outstanding {
				if c.ClientID != *p.ClientID {
					continue
				}
				conf := confidenceClient
				if e.nearDate(p.ServiceDate, c.EarliestServiceDate) {
					conf += confidenceNearDate
				}
				if money.WithinPercent(c.Balance(), available, e.match.AmountTolerancePct) {
					conf += confidenceNearAmount
				}
				conf = math.Round(conf*100) / 100
				offer(c, conf, ReasonClient, Allocation{Amount: money.Min(c.Balance(), available)})
			}
		}
	}

	out := make([]Suggestion, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sortSuggestions(out)
	return out, nil
}

func (e *Engine) nearDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	d := a.Sub(*b)
	if d < 0 {
		d = -d
	}
	return d <= time.Duration(e.match.DateWindowDays)*24*time.Hour
}

// sortSuggestions orders by confidence, then oldest submission first.
func sortSuggestions(items []Suggestion) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Confidence != items[j].Confidence {
			return items[i].Confidence > items[j].Confidence
		}
		a, b := items[i].SubmissionDate, items[j].SubmissionDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return items[i].ClaimNumber < items[j].ClaimNumber
	})
}

// greedyAllocations turns confident suggestions into allocations, applying
// each claim's amount in full before moving on, until the payment is used up.
func greedyAllocations(p *Payment, suggestions []Suggestion, threshold float64) []Allocation {
	remaining := p.Available()
	var out []Allocation
	for _, s := range suggestions {
		if s.Confidence < threshold {
			break
		}
		a := s.Allocation
		if a.denial() {
			out = append(out, a)
			continue
		}
		if remaining.LessThan(money.Tolerance) && !a.Amount.IsZero() {
			break
		}
		if a.Amount.GreaterThan(remaining) {
			a.Amount = remaining
		}
		if a.Amount.GreaterThan(s.Balance) {
			a.Amount = s.Balance
		}
		if a.Amount.Add(a.adjusted()).Sub(s.Balance).GreaterThanOrEqual(money.Tolerance) {
			a.Adjustments = nil
		}
		if a.Amount.IsZero() && len(a.Adjustments) == 0 {
			continue
		}
		remaining = remaining.Sub(a.Amount)
		out = append(out, a)
	}
	return out
}
