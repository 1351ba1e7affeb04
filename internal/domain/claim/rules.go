package claim

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// PayerRule is a payer-specific structural check.
type PayerRule interface {
	Code() string
	Check(c *Claim, services []*Service, r *ValidationResult)
}

// RuleSettings configures the built-in rules for one payer. Zero values
// disable a rule.
type RuleSettings struct {
	MaxUnitsPerService       int      `mapstructure:"max_units_per_service" json:"max_units_per_service,omitempty"`
	AllowedServiceCodes      []string `mapstructure:"allowed_service_codes" json:"allowed_service_codes,omitempty"`
	RequireRenderingProvider bool     `mapstructure:"require_rendering_provider" json:"require_rendering_provider,omitempty"`
	RequireAuthorization     bool     `mapstructure:"require_authorization" json:"require_authorization,omitempty"`
	MaxClaimAmount           float64  `mapstructure:"max_claim_amount" json:"max_claim_amount,omitempty"`
	MinServiceLines          int      `mapstructure:"min_service_lines" json:"min_service_lines,omitempty"`
}

// PayerProfile is what the claim domain knows about a payer.
type PayerProfile struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	IntegrationID    string       `json:"integration_id"`
	TimelyFilingDays int          `json:"timely_filing_days"`
	Rules            RuleSettings `json:"rules"`
	Extra            []PayerRule  `json:"-"`
}

// PayerRules returns the built-in rules enabled by Rules followed by Extra.
func (p PayerProfile) PayerRules() []PayerRule {
	var rules []PayerRule
	s := p.Rules
	if s.RequireAuthorization {
		rules = append(rules, requireAuthorization{})
	}
	if s.MaxUnitsPerService > 0 {
		rules = append(rules, maxUnitsPerService{max: s.MaxUnitsPerService})
	}
	if len(s.AllowedServiceCodes) > 0 {
		allowed := make(map[string]bool, len(s.AllowedServiceCodes))
		for _, code := range s.AllowedServiceCodes {
			allowed[code] = true
		}
		rules = append(rules, allowedServiceCodes{allowed: allowed})
	}
	if s.RequireRenderingProvider {
		rules = append(rules, requireRenderingProvider{})
	}
	if s.MaxClaimAmount > 0 {
		rules = append(rules, maxClaimAmount{max: decimal.NewFromFloat(s.MaxClaimAmount)})
	}
	if s.MinServiceLines > 0 {
		rules = append(rules, minServiceLines{min: s.MinServiceLines})
	}
	return append(rules, p.Extra...)
}

// Profiles holds payer profiles by payer id.
type Profiles struct {
	mu   sync.RWMutex
	byID map[string]PayerProfile
}

func NewProfiles(profiles ...PayerProfile) *Profiles {
	p := &Profiles{byID: make(map[string]PayerProfile, len(profiles))}
	for _, prof := range profiles {
		p.Put(prof)
	}
	return p
}

func (p *Profiles) Put(profile PayerProfile) {
	if profile.IntegrationID == "" {
		profile.IntegrationID = profile.ID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[profile.ID] = profile
}

// AddRule plugs a custom rule into a payer's profile.
func (p *Profiles) AddRule(payerID string, rule PayerRule) {
	prof := p.Get(payerID)
	prof.Extra = append(append([]PayerRule(nil), prof.Extra...), rule)
	p.Put(prof)
}

// Get returns the payer's profile. Unknown payers get an empty profile whose
// integration id is the payer id.
func (p *Profiles) Get(payerID string) PayerProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if prof, ok := p.byID[payerID]; ok {
		return prof
	}
	return PayerProfile{ID: payerID, IntegrationID: payerID}
}

func (p *Profiles) All() []PayerProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PayerProfile, 0, len(p.byID))
	for _, prof := range p.byID {
		out = append(out, prof)
	}
	return out
}

type requireAuthorization struct{}

func (requireAuthorization) Code() string { return "require-authorization" }

func (requireAuthorization) Check(_ *Claim, services []*Service, r *ValidationResult) {
	for i, svc := range services {
		if svc.AuthorizationID == nil {
			r.AddError("authorization-required", fmt.Sprintf("services[%d].authorization_id", i),
				"payer requires an authorization for every service",
				map[string]any{"service_id": svc.ID.String()})
		}
	}
}

type maxUnitsPerService struct{ max int }

func (maxUnitsPerService) Code() string { return "max-units-per-service" }

func (m maxUnitsPerService) Check(_ *Claim, services []*Service, r *ValidationResult) {
	for i, svc := range services {
		if svc.Units > m.max {
			r.AddError("max-units-per-service", fmt.Sprintf("services[%d].units", i),
				fmt.Sprintf("payer allows at most %d units per service", m.max),
				map[string]any{"service_id": svc.ID.String(), "units": svc.Units, "max": m.max})
		}
	}
}

type allowedServiceCodes struct{ allowed map[string]bool }

func (allowedServiceCodes) Code() string { return "allowed-service-codes" }

func (a allowedServiceCodes) Check(_ *Claim, services []*Service, r *ValidationResult) {
	for i, svc := range services {
		if !a.allowed[svc.ServiceCode] {
			r.AddError("service-code-not-allowed", fmt.Sprintf("services[%d].service_code", i),
				"payer does not accept this service code",
				map[string]any{"service_id": svc.ID.String(), "service_code": svc.ServiceCode})
		}
	}
}

type requireRenderingProvider struct{}

func (requireRenderingProvider) Code() string { return "require-rendering-provider" }

func (requireRenderingProvider) Check(_ *Claim, services []*Service, r *ValidationResult) {
	for i, svc := range services {
		if deref(svc.RenderingProviderID) == "" {
			r.AddError("rendering-provider-required", fmt.Sprintf("services[%d].rendering_provider_id", i),
				"payer requires a rendering provider on every service",
				map[string]any{"service_id": svc.ID.String()})
		}
	}
}

type maxClaimAmount struct{ max decimal.Decimal }

func (maxClaimAmount) Code() string { return "max-claim-amount" }

func (m maxClaimAmount) Check(c *Claim, _ []*Service, r *ValidationResult) {
	if c.BilledAmount.GreaterThan(m.max) {
		r.AddError("max-claim-amount", "billed_amount", "billed amount exceeds the payer's per-claim maximum",
			map[string]any{"billed_amount": c.BilledAmount.StringFixed(2), "max": m.max.StringFixed(2)})
	}
}

type minServiceLines struct{ min int }

func (minServiceLines) Code() string { return "min-service-lines" }

func (m minServiceLines) Check(_ *Claim, services []*Service, r *ValidationResult) {
	if len(services) < m.min {
		r.AddWarning("min-service-lines", "service_ids",
			fmt.Sprintf("payer expects at least %d service lines", m.min),
			map[string]any{"lines": len(services), "min": m.min})
	}
}
