package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// Issue is one validation finding.
type Issue struct {
	Code    string         `json:"code"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ValidationResult collects findings. Only Errors block a transition.
type ValidationResult struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func (r *ValidationResult) AddError(code, field, message string, ctx map[string]any) {
	r.Errors = append(r.Errors, Issue{Code: code, Field: field, Message: message, Context: ctx})
}

func (r *ValidationResult) AddWarning(code, field, message string, ctx map[string]any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Field: field, Message: message, Context: ctx})
}

func (r *ValidationResult) finish() *ValidationResult {
	r.IsValid = len(r.Errors) == 0
	if r.Errors == nil {
		r.Errors = []Issue{}
	}
	if r.Warnings == nil {
		r.Warnings = []Issue{}
	}
	return r
}

// Validator checks billing readiness. It only reads.
type Validator struct {
	auths    AuthorizationRepository
	profiles *Profiles
	now      func() time.Time
}

func NewValidator(auths AuthorizationRepository, profiles *Profiles, now func() time.Time) *Validator {
	if profiles == nil {
		profiles = NewProfiles()
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{auths: auths, profiles: profiles, now: now}
}

// Validate runs the checks in order: required fields (fatal, stops here),
// authorization coverage, documentation, then the payer's rules. The error
// return is reserved for failed reads.
func (v *Validator) Validate(ctx context.Context, c *Claim, services []*Service) (*ValidationResult, error) {
	r := &ValidationResult{}

	if c.ClientID == uuid.Nil {
		r.AddError("required-field", "client_id", "client is required", nil)
	}
	if c.PayerID == "" {
		r.AddError("required-field", "payer_id", "payer is required", nil)
	}
	if len(services) == 0 {
		r.AddError("required-field", "service_ids", "at least one service is required", nil)
	}
	if len(r.Errors) > 0 {
		return r.finish(), nil
	}

	for i, svc := range services {
		field := fmt.Sprintf("services[%d]", i)
		if svc.ClientID != c.ClientID || svc.PayerID != c.PayerID {
			r.AddError("service-mismatch", field, "service belongs to a different client or payer",
				map[string]any{"service_id": svc.ID.String()})
		}
		if svc.Units <= 0 {
			r.AddError("invalid-units", field+".units", "service units must be positive",
				map[string]any{"service_id": svc.ID.String(), "units": svc.Units})
		}
	}

	if err := v.checkAuthorizations(ctx, c, services, r); err != nil {
		return nil, err
	}

	for i, svc := range services {
		if svc.DocumentationStatus != DocComplete {
			r.AddError("documentation-incomplete", fmt.Sprintf("services[%d].documentation_status", i),
				"service documentation must be complete before billing",
				map[string]any{"service_id": svc.ID.String(), "documentation_status": string(svc.DocumentationStatus)})
		}
	}

	profile := v.profiles.Get(c.PayerID)
	for _, rule := range profile.PayerRules() {
		rule.Check(c, services, r)
	}

	if c.EarliestServiceDate != nil && profile.TimelyFilingDays > 0 {
		window := time.Duration(profile.TimelyFilingDays) * 24 * time.Hour
		elapsed := v.now().Sub(*c.EarliestServiceDate)
		if elapsed >= window*8/10 {
			r.AddWarning("timely-filing-approaching", "earliest_service_date",
				"claim is past 80% of the payer's timely filing window",
				map[string]any{"deadline": TimelyFilingDeadline(*c.EarliestServiceDate, profile.TimelyFilingDays).Format("2006-01-02")})
		}
	}

	return r.finish(), nil
}

// checkAuthorizations verifies each authorized service falls in its window
// and, for original claims, that the units billed against each authorization
// fit in what remains. Corrected claims re-bill units the original consumed.
func (v *Validator) checkAuthorizations(ctx context.Context, c *Claim, services []*Service, r *ValidationResult) error {
	requested := map[uuid.UUID]int{}
	auths := map[uuid.UUID]*Authorization{}
	var order []uuid.UUID

	for i, svc := range services {
		if svc.AuthorizationID == nil {
			continue
		}
		field := fmt.Sprintf("services[%d].authorization_id", i)
		auth, ok := auths[*svc.AuthorizationID]
		if !ok {
			a, err := v.auths.FindAuthorizationByID(ctx, *svc.AuthorizationID)
			if apperror.IsNotFound(err) {
				r.AddError("authorization-not-found", field, "authorization does not exist",
					map[string]any{"authorization_id": svc.AuthorizationID.String()})
				continue
			}
			if err != nil {
				return err
			}
			auths[a.ID] = a
			auth = a
		}
		if auth.ClientID != svc.ClientID || auth.ServiceCode != svc.ServiceCode {
			r.AddError("authorization-mismatch", field, "authorization does not cover this client and service code",
				map[string]any{"authorization_id": auth.ID.String(), "service_code": svc.ServiceCode})
			continue
		}
		if !auth.Covers(svc.ServiceDate) {
			r.AddError("authorization-window", field, "service date is outside the authorization window",
				map[string]any{
					"authorization_id": auth.ID.String(),
					"service_date":     svc.ServiceDate.Format("2006-01-02"),
					"start_date":       auth.StartDate.Format("2006-01-02"),
					"end_date":         auth.EndDate.Format("2006-01-02"),
				})
			continue
		}
		if _, seen := requested[auth.ID]; !seen {
			order = append(order, auth.ID)
		}
		requested[auth.ID] += svc.Units
	}

	if c.ClaimType != TypeOriginal && c.ClaimType != "" {
		return nil
	}
	// Report in service order so repeated validations list errors identically.
	for _, id := range order {
		auth, units := auths[id], requested[id]
		if units > auth.Remaining() {
			r.AddError("authorization-units-exceeded", "authorization_id",
				"billed units exceed the remaining authorized units",
				map[string]any{
					"authorization_id": id.String(),
					"authorized":       auth.AuthorizedUnits,
					"used":             auth.UsedUnits,
					"remaining":        auth.Remaining(),
					"requested":        units,
				})
		}
	}
	return nil
}

// TimelyFilingDeadline is the last day a claim for services starting on
// earliest may be submitted.
func TimelyFilingDeadline(earliest time.Time, days int) time.Time {
	return dateOnly(earliest).AddDate(0, 0, days)
}
