package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/events"
	"github.com/rcm/rcm/pkg/money"
)

// maxConflictRetries bounds how often a transition re-reads the claim after
// losing an optimistic version race.
const maxConflictRetries = 3

const (
	RuleValidationFailed      = "claim-validation-failed"
	RuleServiceAlreadyClaimed = "service-already-claimed"
	RuleMixedServices         = "services-mixed-client-or-payer"
	RuleConcurrentUpdate      = "concurrent-modification"
	RuleNotOutstanding        = "claim-not-outstanding"
	RuleAllocationExceeds     = "allocation-exceeds-balance"
	RuleSuperseded            = "reconciliation-superseded"
	RuleHistoryMissing        = "reconciliation-history-missing"
	RuleInvalidCorrection     = "invalid-correction-source"
	RuleUnitsExhausted        = "authorization-units-exceeded"
)

// StateMachine owns claim status. Every change goes through a guarded
// transition that updates the claim, cascades to its services and appends
// one history entry, atomically.
type StateMachine struct {
	claims    ClaimRepository
	services  ServiceRepository
	auths     AuthorizationRepository
	tx        db.TxManager
	profiles  *Profiles
	validator *Validator
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
	numbers   func(time.Time) string
}

type Option func(*StateMachine)

func WithPublisher(p events.Publisher) Option { return func(m *StateMachine) { m.publisher = p } }

func WithLogger(l zerolog.Logger) Option { return func(m *StateMachine) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *StateMachine) { m.now = now } }

// WithClaimNumbers replaces the claim number generator.
func WithClaimNumbers(fn func(time.Time) string) Option {
	return func(m *StateMachine) { m.numbers = fn }
}

func NewStateMachine(claims ClaimRepository, services ServiceRepository, auths AuthorizationRepository,
	tx db.TxManager, profiles *Profiles, opts ...Option) *StateMachine {
	if profiles == nil {
		profiles = NewProfiles()
	}
	m := &StateMachine{
		claims:   claims,
		services: services,
		auths:    auths,
		tx:       tx,
		profiles: profiles,
		logger:   zerolog.Nop(),
		now:      time.Now,
		numbers:  claimNumber,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.validator = NewValidator(auths, profiles, m.now)
	return m
}

func claimNumber(t time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("CLM-%s-%s", t.UTC().Format("20060102"), suffix)
}

func (m *StateMachine) Profiles() *Profiles { return m.profiles }

func (m *StateMachine) Validator() *Validator { return m.validator }

// run executes fn in a transaction and publishes the events it raised once
// the outermost transaction has committed.
func (m *StateMachine) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, box := events.Begin(ctx)
	err := m.tx.WithTx(ctx, fn)
	box.Flush(ctx, m.publisher, m.logger, err)
	return err
}

// -- Reads --

func (m *StateMachine) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return m.claims.FindClaimByID(ctx, id)
}

func (m *StateMachine) GetClaimByNumber(ctx context.Context, number string) (*Claim, error) {
	return m.claims.FindClaimByNumber(ctx, number)
}

func (m *StateMachine) GetClaimByTrackingID(ctx context.Context, trackingID string) (*Claim, error) {
	return m.claims.FindClaimByTrackingID(ctx, trackingID)
}

func (m *StateMachine) ListClaims(ctx context.Context, f ListFilter, limit, offset int) ([]*Claim, int, error) {
	if f.Status != "" && !validStatus(f.Status) {
		return nil, 0, apperror.Validation("status", "invalid", fmt.Sprintf("unknown claim status %q", f.Status))
	}
	return m.claims.ListClaims(ctx, f, limit, offset)
}

func (m *StateMachine) History(ctx context.Context, claimID uuid.UUID) ([]*StatusHistory, error) {
	if _, err := m.claims.FindClaimByID(ctx, claimID); err != nil {
		return nil, err
	}
	return m.claims.ListHistory(ctx, claimID)
}

func (m *StateMachine) OutstandingClaims(ctx context.Context, payerID string) ([]*Claim, error) {
	return m.claims.FindOutstandingClaimsByPayer(ctx, payerID)
}

// ServicesFor returns the claim's services in claim order.
func (m *StateMachine) ServicesFor(ctx context.Context, c *Claim) ([]*Service, error) {
	if len(c.ServiceIDs) == 0 {
		return nil, nil
	}
	return m.services.FindServicesByIDs(ctx, c.ServiceIDs)
}

// -- Services and authorizations --

func (m *StateMachine) RegisterService(ctx context.Context, s *Service) error {
	var issues []apperror.Issue
	if s.ClientID == uuid.Nil {
		issues = append(issues, apperror.Issue{Field: "client_id", Code: "required", Message: "client_id is required"})
	}
	if s.PayerID == "" {
		issues = append(issues, apperror.Issue{Field: "payer_id", Code: "required", Message: "payer_id is required"})
	}
	if s.ServiceCode == "" {
		issues = append(issues, apperror.Issue{Field: "service_code", Code: "required", Message: "service_code is required"})
	}
	if s.Units <= 0 {
		issues = append(issues, apperror.Issue{Field: "units", Code: "invalid", Message: "units must be positive"})
	}
	if s.Rate.IsNegative() {
		issues = append(issues, apperror.Issue{Field: "rate", Code: "invalid", Message: "rate must not be negative"})
	}
	if len(issues) > 0 {
		return &apperror.ValidationError{Issues: issues}
	}
	if s.BillingStatus == "" {
		s.BillingStatus = BillingUnbilled
	}
	if s.DocumentationStatus == "" {
		s.DocumentationStatus = DocIncomplete
	}
	s.ClaimID = nil
	return m.services.CreateService(ctx, s)
}

func (m *StateMachine) RegisterAuthorization(ctx context.Context, a *Authorization) error {
	if a.ClientID == uuid.Nil || a.PayerID == "" || a.ServiceCode == "" {
		return apperror.Validation("authorization", "required", "client_id, payer_id and service_code are required")
	}
	if a.AuthorizedUnits <= 0 || a.UsedUnits < 0 || a.UsedUnits > a.AuthorizedUnits {
		return apperror.Validation("authorized_units", "invalid", "authorized units must be positive and cover used units")
	}
	if a.EndDate.Before(a.StartDate) {
		return apperror.Validation("end_date", "invalid", "end_date must not be before start_date")
	}
	return m.auths.CreateAuthorization(ctx, a)
}

// -- Claim creation --

type CreateClaimRequest struct {
	ServiceIDs []uuid.UUID `json:"service_ids" validate:"required,min=1"`
	ActorID    string      `json:"-"`
}

// CreateFromServices converts services into a DRAFT claim. Either every
// service moves to in-claim and the claim exists, or nothing changes.
func (m *StateMachine) CreateFromServices(ctx context.Context, req CreateClaimRequest) (*Claim, error) {
	ids := uniqueIDs(req.ServiceIDs)
	if len(ids) == 0 {
		return nil, apperror.Validation("service_ids", "required", "at least one service is required")
	}

	var created *Claim
	err := m.run(ctx, func(ctx context.Context) error {
		services, err := m.services.FindServicesByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(services) != len(ids) {
			found := make(map[uuid.UUID]bool, len(services))
			for _, s := range services {
				found[s.ID] = true
			}
			for _, id := range ids {
				if !found[id] {
					return apperror.NotFound("service", id.String())
				}
			}
		}

		first := services[0]
		billed := decimal.Zero
		earliest := first.ServiceDate
		for _, s := range services {
			if !s.Claimable() {
				return apperror.Business(RuleServiceAlreadyClaimed,
					fmt.Sprintf("service %s is %s and cannot be put on a new claim", s.ID, s.BillingStatus),
					map[string]any{"service_id": s.ID.String(), "billing_status": string(s.BillingStatus)})
			}
			if s.ClientID != first.ClientID || s.PayerID != first.PayerID {
				return apperror.Business(RuleMixedServices, "all services must share one client and payer",
					map[string]any{"service_id": s.ID.String()})
			}
			billed = billed.Add(s.Amount())
			if s.ServiceDate.Before(earliest) {
				earliest = s.ServiceDate
			}
		}

		now := m.now()
		c := &Claim{
			ID:                  uuid.New(),
			ClaimNumber:         m.numbers(now),
			Status:              StatusDraft,
			ClaimType:           TypeOriginal,
			ClientID:            first.ClientID,
			PayerID:             first.PayerID,
			IntegrationID:       m.profiles.Get(first.PayerID).IntegrationID,
			ServiceIDs:          ids,
			BilledAmount:        money.Round(billed),
			PaidAmount:          decimal.Zero,
			AdjustedAmount:      decimal.Zero,
			EarliestServiceDate: &earliest,
			CreatedBy:           req.ActorID,
		}
		if err := m.claims.CreateClaim(ctx, c); err != nil {
			return err
		}
		for _, s := range services {
			if err := m.services.UpdateServiceBillingStatus(ctx, s.ID, BillingInClaim, &c.ID, s.VersionID); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					return apperror.Business(RuleServiceAlreadyClaimed,
						fmt.Sprintf("service %s changed while the claim was being created", s.ID),
						map[string]any{"service_id": s.ID.String()})
				}
				return err
			}
		}
		if err := m.appendHistory(ctx, c, "", StatusDraft, req.ActorID, "created from services", "", ""); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("claim_id", created.ID.String()).Str("claim_number", created.ClaimNumber).
		Int("services", len(created.ServiceIDs)).Msg("claim created")
	return created, nil
}

type CorrectedClaimRequest struct {
	OriginalClaimID uuid.UUID `json:"-"`
	ClaimType       ClaimType `json:"claim_type" validate:"required,oneof=adjustment replacement void"`
	Reason          string    `json:"reason"`
	ActorID         string    `json:"-"`
}

// CreateCorrectedClaim starts an adjustment, replacement or void claim for
// an adjudicated claim. The new claim is a DRAFT that re-bills the
// original's services and points back at it.
func (m *StateMachine) CreateCorrectedClaim(ctx context.Context, req CorrectedClaimRequest) (*Claim, error) {
	if req.ClaimType == TypeOriginal || !req.ClaimType.Valid() {
		return nil, apperror.Validation("claim_type", "invalid", "claim_type must be adjustment, replacement or void")
	}

	var created *Claim
	err := m.run(ctx, func(ctx context.Context) error {
		orig, err := m.claims.FindClaimByID(ctx, req.OriginalClaimID)
		if err != nil {
			return err
		}
		switch orig.Status {
		case StatusPaid, StatusPartialPaid, StatusDenied:
		default:
			return apperror.Business(RuleInvalidCorrection,
				fmt.Sprintf("a %s claim can only be created from a PAID, PARTIAL_PAID or DENIED claim", req.ClaimType),
				map[string]any{"original_claim_id": orig.ID.String(), "current": string(orig.Status)})
		}

		origID := orig.ID
		c := &Claim{
			ID:                  uuid.New(),
			ClaimNumber:         m.numbers(m.now()),
			Status:              StatusDraft,
			ClaimType:           req.ClaimType,
			OriginalClaimID:     &origID,
			ClientID:            orig.ClientID,
			PayerID:             orig.PayerID,
			IntegrationID:       orig.IntegrationID,
			ServiceIDs:          append([]uuid.UUID(nil), orig.ServiceIDs...),
			BilledAmount:        orig.BilledAmount,
			PaidAmount:          decimal.Zero,
			AdjustedAmount:      decimal.Zero,
			EarliestServiceDate: clonePtr(orig.EarliestServiceDate),
			CreatedBy:           req.ActorID,
		}
		if err := m.claims.CreateClaim(ctx, c); err != nil {
			return err
		}
		reason := req.Reason
		if reason == "" {
			reason = fmt.Sprintf("%s of %s", req.ClaimType, orig.ClaimNumber)
		}
		if err := m.appendHistory(ctx, c, "", StatusDraft, req.ActorID, reason, "", ""); err != nil {
			return err
		}
		created = c
		return nil
	})
	return created, err
}

// -- Transitions --

// TransitionRequest asks for one guarded status change. Which optional
// fields are required depends on To.
type TransitionRequest struct {
	ClaimID             uuid.UUID
	To                  Status
	ActorID             string
	Reason              string
	Notes               string
	SourceRef           string
	SubmissionMethod    string
	SubmissionDate      *time.Time
	TrackingID          string
	AdjudicationDate    *time.Time
	DenialReason        string
	VoidReason          string
	AppealJustification string
	AppealArtifacts     []string
	PaidDelta           decimal.Decimal
	AdjustedDelta       decimal.Decimal
}

func (r TransitionRequest) check() error {
	var issues []apperror.Issue
	add := func(field, msg string) {
		issues = append(issues, apperror.Issue{Field: field, Code: "required", Message: msg})
	}
	if r.ActorID == "" {
		add("actor_id", "an actor is required for audit attribution")
	}
	switch r.To {
	case StatusSubmitted:
		if r.SubmissionMethod == "" {
			add("submission_method", "submission method is required")
		}
		if r.SubmissionDate == nil {
			add("submission_date", "submission date is required")
		}
	case StatusPaid, StatusPartialPaid:
		if r.AdjudicationDate == nil {
			add("adjudication_date", "adjudication date is required")
		}
	case StatusDenied:
		if strings.TrimSpace(r.DenialReason) == "" {
			add("denial_reason", "denial reason is required")
		}
	case StatusVoid:
		if strings.TrimSpace(r.VoidReason) == "" {
			add("void_reason", "void reason is required")
		}
	case StatusAppealed:
		if strings.TrimSpace(r.AppealJustification) == "" {
			add("appeal_justification", "appeal justification is required")
		}
		if len(nonEmpty(r.AppealArtifacts)) == 0 {
			add("appeal_artifacts", "at least one supporting artifact is required")
		}
	case "":
		add("status", "target status is required")
	default:
		if !validStatus(r.To) {
			issues = append(issues, apperror.Issue{Field: "status", Code: "invalid", Message: fmt.Sprintf("unknown status %q", r.To)})
		}
	}
	if r.PaidDelta.IsNegative() || r.AdjustedDelta.IsNegative() {
		issues = append(issues, apperror.Issue{Field: "amount", Code: "invalid", Message: "amounts must not be negative"})
	}
	if len(issues) > 0 {
		return &apperror.ValidationError{Issues: issues}
	}
	return nil
}

// Transition applies one guarded status change. A change outside the
// transition table fails with invalid-status-transition and writes nothing.
func (m *StateMachine) Transition(ctx context.Context, req TransitionRequest) (*Claim, error) {
	var out *Claim
	err := m.run(ctx, func(ctx context.Context) error {
		c, _, err := m.transition(ctx, req, nil)
		out = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transition runs inside a transaction. resolve, when set, picks the target
// status from the freshly read claim on every attempt.
func (m *StateMachine) transition(ctx context.Context, req TransitionRequest, resolve func(*Claim) Status) (*Claim, *ValidationResult, error) {
	if resolve == nil {
		if err := req.check(); err != nil {
			return nil, nil, err
		}
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		c, err := m.claims.FindClaimByID(ctx, req.ClaimID)
		if err != nil {
			return nil, nil, err
		}
		if resolve != nil {
			req.To = resolve(c)
			if err := req.check(); err != nil {
				return nil, nil, err
			}
		}
		from := c.Status
		if err := checkTransition(from, req.To); err != nil {
			return nil, nil, err
		}

		var result *ValidationResult
		var services []*Service
		if needsServices(c, req.To) {
			if services, err = m.ServicesFor(ctx, c); err != nil {
				return nil, nil, err
			}
		}
		if req.To == StatusValidated {
			result, err = m.validator.Validate(ctx, c, services)
			if err != nil {
				return nil, nil, err
			}
			if !result.IsValid {
				return c, result, apperror.Business(RuleValidationFailed, "claim has blocking validation errors",
					map[string]any{"errors": result.Errors, "warnings": result.Warnings})
			}
		}

		version := c.VersionID
		m.apply(c, req)
		if err := m.claims.UpdateClaimStatus(ctx, c, version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				m.logger.Debug().Str("claim_id", c.ID.String()).Int("attempt", attempt+1).Msg("claim version conflict, retrying")
				continue
			}
			return nil, nil, err
		}

		if err := m.cascade(ctx, c, from, req.To, services); err != nil {
			return nil, nil, err
		}
		if err := m.appendHistory(ctx, c, from, req.To, req.ActorID, req.Reason, req.Notes, req.SourceRef); err != nil {
			return nil, nil, err
		}
		m.logger.Debug().Str("claim_id", c.ID.String()).Str("from", string(from)).Str("to", string(req.To)).
			Str("actor", req.ActorID).Msg("claim transition")
		return c, result, nil
	}
	return nil, nil, apperror.Business(RuleConcurrentUpdate, "claim was modified concurrently, please retry",
		map[string]any{"claim_id": req.ClaimID.String()})
}

func (m *StateMachine) apply(c *Claim, req TransitionRequest) {
	if req.TrackingID != "" {
		c.ExternalTrackingID = strPtr(req.TrackingID)
	}
	switch req.To {
	case StatusSubmitted:
		c.SubmissionMethod = strPtr(req.SubmissionMethod)
		c.SubmissionDate = clonePtr(req.SubmissionDate)
	case StatusPaid, StatusPartialPaid:
		c.AdjudicationDate = clonePtr(req.AdjudicationDate)
		c.PaidAmount = money.Round(c.PaidAmount.Add(req.PaidDelta))
		c.AdjustedAmount = money.Round(c.AdjustedAmount.Add(req.AdjustedDelta))
		c.DenialReason = nil
	case StatusDenied:
		c.DenialReason = strPtr(req.DenialReason)
		if req.AdjudicationDate != nil {
			c.AdjudicationDate = clonePtr(req.AdjudicationDate)
		} else {
			now := m.now()
			c.AdjudicationDate = &now
		}
	case StatusVoid:
		c.VoidReason = strPtr(req.VoidReason)
	case StatusAppealed:
		c.AppealJustification = strPtr(req.AppealJustification)
		c.AppealArtifacts = nonEmpty(req.AppealArtifacts)
	}
	c.Status = req.To
}

func needsServices(c *Claim, to Status) bool {
	if to == StatusValidated {
		return true
	}
	_, ok := serviceStatusFor(to)
	return ok && c.ClaimType == TypeOriginal
}

// serviceStatusFor maps a claim status to the billing status its services
// take. VOID is handled by release.
func serviceStatusFor(s Status) (BillingStatus, bool) {
	switch s {
	case StatusSubmitted, StatusPending, StatusPartialPaid, StatusAppealed:
		return BillingBilled, true
	case StatusPaid:
		return BillingPaid, true
	case StatusDenied:
		return BillingDenied, true
	case StatusVoid:
		return BillingReady, true
	}
	return "", false
}

// cascade moves the claim's services and authorization units along with
// the claim. Corrected claims leave both to the original claim.
func (m *StateMachine) cascade(ctx context.Context, c *Claim, from, to Status, services []*Service) error {
	if c.ClaimType != TypeOriginal {
		return nil
	}
	if to == StatusValidated {
		return m.consumeUnits(ctx, services, 1)
	}
	target, ok := serviceStatusFor(to)
	if !ok {
		return nil
	}
	if to == StatusVoid && from != StatusDraft {
		if err := m.consumeUnits(ctx, services, -1); err != nil {
			return err
		}
	}
	for _, s := range services {
		if s.ClaimID == nil || *s.ClaimID != c.ID {
			continue
		}
		status, claimID := target, s.ClaimID
		if to == StatusVoid {
			claimID = nil
			status = BillingUnbilled
			if s.DocumentationStatus == DocComplete {
				status = BillingReady
			}
		}
		if s.BillingStatus == status && to != StatusVoid {
			continue
		}
		if err := m.services.UpdateServiceBillingStatus(ctx, s.ID, status, claimID, s.VersionID); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return apperror.Business(RuleConcurrentUpdate, "service was modified concurrently, please retry",
					map[string]any{"service_id": s.ID.String()})
			}
			return err
		}
	}
	return nil
}

func (m *StateMachine) consumeUnits(ctx context.Context, services []*Service, sign int) error {
	units := map[uuid.UUID]int{}
	var order []uuid.UUID
	for _, s := range services {
		if s.AuthorizationID == nil {
			continue
		}
		if _, ok := units[*s.AuthorizationID]; !ok {
			order = append(order, *s.AuthorizationID)
		}
		units[*s.AuthorizationID] += s.Units
	}
	for _, id := range order {
		if err := m.auths.AdjustUsedUnits(ctx, id, sign*units[id]); err != nil {
			if errors.Is(err, ErrUnitsUnavailable) {
				return apperror.Business(RuleUnitsExhausted, "authorization no longer has enough units",
					map[string]any{"authorization_id": id.String(), "units": units[id]})
			}
			return err
		}
	}
	return nil
}

func (m *StateMachine) appendHistory(ctx context.Context, c *Claim, from, to Status, actor, reason, notes, sourceRef string) error {
	h := &StatusHistory{
		ClaimID:    c.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor,
		Reason:     strPtr(reason),
		Notes:      strPtr(notes),
		SourceRef:  strPtr(sourceRef),
	}
	if err := m.claims.AppendHistory(ctx, h); err != nil {
		return err
	}
	e := events.New(events.ClaimStatusChanged, c.ID.String(), actor, StatusChange{
		ClaimID:     c.ID,
		ClaimNumber: c.ClaimNumber,
		From:        from,
		To:          to,
		SourceRef:   sourceRef,
	})
	if !events.Emit(ctx, e) && m.publisher != nil {
		if err := m.publisher.Publish(ctx, e); err != nil {
			m.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Msg("publish claim event failed")
		}
	}
	return nil
}

// StatusChange is the payload of claim.status_changed events.
type StatusChange struct {
	ClaimID     uuid.UUID `json:"claim_id"`
	ClaimNumber string    `json:"claim_number"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	SourceRef   string    `json:"source_ref,omitempty"`
}

// -- Convenience wrappers --

// ValidationOutcome is returned by ValidateClaim whether or not the claim
// passed.
type ValidationOutcome struct {
	Claim  *Claim            `json:"claim"`
	Result *ValidationResult `json:"result"`
}

// ValidateClaim moves a DRAFT claim to VALIDATED when the ValidationEngine
// reports no errors. A failing claim stays DRAFT; the outcome is returned
// together with a claim-validation-failed error.
func (m *StateMachine) ValidateClaim(ctx context.Context, id uuid.UUID, actor string) (*ValidationOutcome, error) {
	var out ValidationOutcome
	err := m.run(ctx, func(ctx context.Context) error {
		c, result, err := m.transition(ctx, TransitionRequest{ClaimID: id, To: StatusValidated, ActorID: actor}, nil)
		out.Claim, out.Result = c, result
		return err
	})
	if err != nil && out.Result != nil {
		return &out, err
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PreviewValidation runs the ValidationEngine without changing the claim.
func (m *StateMachine) PreviewValidation(ctx context.Context, id uuid.UUID) (*ValidationResult, error) {
	c, err := m.claims.FindClaimByID(ctx, id)
	if err != nil {
		return nil, err
	}
	services, err := m.ServicesFor(ctx, c)
	if err != nil {
		return nil, err
	}
	return m.validator.Validate(ctx, c, services)
}

func (m *StateMachine) MarkSubmitted(ctx context.Context, id uuid.UUID, method string, date time.Time, trackingID, actor string) (*Claim, error) {
	return m.Transition(ctx, TransitionRequest{
		ClaimID: id, To: StatusSubmitted, ActorID: actor,
		SubmissionMethod: method, SubmissionDate: &date, TrackingID: trackingID,
		Reason: "submitted to payer",
	})
}

func (m *StateMachine) MarkPending(ctx context.Context, id uuid.UUID, trackingID, actor, reason string) (*Claim, error) {
	return m.Transition(ctx, TransitionRequest{ClaimID: id, To: StatusPending, ActorID: actor, TrackingID: trackingID, Reason: reason})
}

func (m *StateMachine) Deny(ctx context.Context, id uuid.UUID, reason, actor string) (*Claim, error) {
	return m.Transition(ctx, TransitionRequest{ClaimID: id, To: StatusDenied, ActorID: actor, DenialReason: reason, Reason: reason})
}

func (m *StateMachine) Void(ctx context.Context, id uuid.UUID, reason, actor string) (*Claim, error) {
	return m.Transition(ctx, TransitionRequest{ClaimID: id, To: StatusVoid, ActorID: actor, VoidReason: reason, Reason: reason})
}

func (m *StateMachine) Appeal(ctx context.Context, id uuid.UUID, justification string, artifacts []string, actor string) (*Claim, error) {
	return m.Transition(ctx, TransitionRequest{
		ClaimID: id, To: StatusAppealed, ActorID: actor,
		AppealJustification: justification, AppealArtifacts: artifacts, Reason: "appeal filed",
	})
}

// AdjudicationRequest records a payer decision reported outside of a
// remittance, such as a status poll.
type AdjudicationRequest struct {
	ClaimID      uuid.UUID
	Status       Status
	PaidAmount   decimal.Decimal
	DenialReason string
	Date         time.Time
	ActorID      string
	SourceRef    string
}

// RecordAdjudication moves a PENDING or APPEALED claim to PAID,
// PARTIAL_PAID or DENIED. PaidAmount is the payer's total paid to date.
func (m *StateMachine) RecordAdjudication(ctx context.Context, req AdjudicationRequest) (*Claim, error) {
	switch req.Status {
	case StatusPaid, StatusPartialPaid, StatusDenied:
	default:
		return nil, apperror.Validation("status", "invalid", "adjudication status must be PAID, PARTIAL_PAID or DENIED")
	}
	var out *Claim
	err := m.run(ctx, func(ctx context.Context) error {
		c, err := m.claims.FindClaimByID(ctx, req.ClaimID)
		if err != nil {
			return err
		}
		delta := decimal.Zero
		if req.PaidAmount.GreaterThan(c.PaidAmount) {
			delta = req.PaidAmount.Sub(c.PaidAmount)
		}
		date := req.Date
		out, _, err = m.transition(ctx, TransitionRequest{
			ClaimID: req.ClaimID, To: req.Status, ActorID: req.ActorID,
			AdjudicationDate: &date, DenialReason: req.DenialReason, PaidDelta: delta,
			Reason: "adjudication reported by payer", SourceRef: req.SourceRef,
		}, nil)
		return err
	})
	return out, err
}

// -- Reconciliation support --

// PaymentApplication applies one allocation of a payment to a claim.
// A zero Amount with a DenialReason records a denial instead, and
// Adjusted is then not applied.
type PaymentApplication struct {
	ClaimID          uuid.UUID
	Amount           decimal.Decimal
	Adjusted         decimal.Decimal
	DenialReason     string
	AdjudicationDate time.Time
	ActorID          string
	SourceRef        string
}

// PaymentOutcome reports the status a claim had before a payment and the
// claim after it.
type PaymentOutcome struct {
	Claim       *Claim `json:"claim"`
	PriorStatus Status `json:"prior_status"`
}

// ApplyPayment records a payment on an outstanding claim: PAID when the
// balance is covered, PARTIAL_PAID otherwise. A SUBMITTED claim passes
// through PENDING first. Callers run it inside their own transaction.
func (m *StateMachine) ApplyPayment(ctx context.Context, a PaymentApplication) (*PaymentOutcome, error) {
	var out PaymentOutcome
	err := m.run(ctx, func(ctx context.Context) error {
		c, err := m.claims.FindClaimByID(ctx, a.ClaimID)
		if err != nil {
			return err
		}
		if !c.Status.IsOutstanding() {
			return apperror.Business(RuleNotOutstanding, "claim is not awaiting payment",
				map[string]any{"claim_id": c.ID.String(), "current": string(c.Status)})
		}
		denial := a.DenialReason != "" && a.Amount.IsZero()
		if !denial && a.Amount.Add(a.Adjusted).Sub(c.Balance()).GreaterThanOrEqual(money.Tolerance) {
			return apperror.Business(RuleAllocationExceeds, "allocation exceeds the claim's outstanding balance",
				map[string]any{"claim_id": c.ID.String(), "balance": c.Balance().StringFixed(2), "amount": a.Amount.StringFixed(2)})
		}
		out.PriorStatus = c.Status

		if c.Status == StatusSubmitted {
			if _, _, err := m.transition(ctx, TransitionRequest{
				ClaimID: c.ID, To: StatusPending, ActorID: a.ActorID,
				Reason: "payment received", SourceRef: a.SourceRef,
			}, nil); err != nil {
				return err
			}
		}

		date := a.AdjudicationDate
		req := TransitionRequest{
			ClaimID: c.ID, ActorID: a.ActorID, AdjudicationDate: &date,
			PaidDelta: a.Amount, AdjustedDelta: a.Adjusted, SourceRef: a.SourceRef,
		}
		if denial {
			// Adjustments on a denial are informational; the balance stays
			// open for an appeal.
			req.AdjustedDelta = decimal.Zero
			req.To = StatusDenied
			req.DenialReason = a.DenialReason
			req.Reason = "denied on remittance"
			out.Claim, _, err = m.transition(ctx, req, nil)
			return err
		}
		req.Reason = "payment applied"
		out.Claim, _, err = m.transition(ctx, req, func(cur *Claim) Status {
			remaining := cur.Balance().Sub(a.Amount).Sub(a.Adjusted)
			if remaining.LessThan(money.Tolerance) {
				return StatusPaid
			}
			return StatusPartialPaid
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RestoreRequest reverses a payment application recorded under SourceRef.
type RestoreRequest struct {
	ClaimID   uuid.UUID
	SourceRef string
	Amount    decimal.Decimal
	Adjusted  decimal.Decimal
	ActorID   string
}

const undoPrefix = "undo:"

// UndoRef is the source reference of the history entry that reverses the
// entries tagged sourceRef.
func UndoRef(sourceRef string) string {
	return undoPrefix + sourceRef
}

// effectiveHistory drops the entries of reversed applications together with
// the entries that reversed them.
func effectiveHistory(history []*StatusHistory) []*StatusHistory {
	undone := make(map[string]bool)
	for _, h := range history {
		if ref := deref(h.SourceRef); strings.HasPrefix(ref, undoPrefix) {
			undone[strings.TrimPrefix(ref, undoPrefix)] = true
		}
	}
	out := make([]*StatusHistory, 0, len(history))
	for _, h := range history {
		ref := deref(h.SourceRef)
		if undone[ref] || strings.HasPrefix(ref, undoPrefix) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// RestoreStatus puts a claim back into the status it had before the
// history entries tagged SourceRef and removes the applied amounts. It
// bypasses the transition table and refuses when anything else has
// happened to the claim since, ignoring applications already reversed.
func (m *StateMachine) RestoreStatus(ctx context.Context, req RestoreRequest) (*Claim, error) {
	if req.SourceRef == "" || req.ActorID == "" {
		return nil, apperror.Validation("source_ref", "required", "source reference and actor are required")
	}
	var out *Claim
	err := m.run(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < maxConflictRetries; attempt++ {
			c, err := m.claims.FindClaimByID(ctx, req.ClaimID)
			if err != nil {
				return err
			}
			all, err := m.claims.ListHistory(ctx, c.ID)
			if err != nil {
				return err
			}
			history := effectiveHistory(all)
			var first *StatusHistory
			for _, h := range history {
				if deref(h.SourceRef) == req.SourceRef {
					first = h
					break
				}
			}
			if first == nil {
				return apperror.Business(RuleHistoryMissing, "no history entry for this reconciliation",
					map[string]any{"claim_id": c.ID.String(), "source_ref": req.SourceRef})
			}
			if last := history[len(history)-1]; deref(last.SourceRef) != req.SourceRef || last.ToStatus != c.Status {
				return apperror.Business(RuleSuperseded, "claim changed after this reconciliation",
					map[string]any{"claim_id": c.ID.String(), "current": string(c.Status)})
			}

			from, restore := c.Status, first.FromStatus
			version := c.VersionID
			c.Status = restore
			c.PaidAmount = money.Round(c.PaidAmount.Sub(req.Amount))
			c.AdjustedAmount = money.Round(c.AdjustedAmount.Sub(req.Adjusted))
			if restore == StatusSubmitted || restore == StatusPending {
				c.AdjudicationDate = nil
			}
			if from == StatusDenied && restore != StatusDenied {
				c.DenialReason = nil
			}
			if err := m.claims.UpdateClaimStatus(ctx, c, version); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				return err
			}

			var services []*Service
			if needsServices(c, restore) {
				if services, err = m.ServicesFor(ctx, c); err != nil {
					return err
				}
			}
			if err := m.cascade(ctx, c, from, restore, services); err != nil {
				return err
			}
			if err := m.appendHistory(ctx, c, from, restore, req.ActorID, "payment reversed", "", UndoRef(req.SourceRef)); err != nil {
				return err
			}
			out = c
			return nil
		}
		return apperror.Business(RuleConcurrentUpdate, "claim was modified concurrently, please retry",
			map[string]any{"claim_id": req.ClaimID.String()})
	})
	return out, err
}

// -- Batch --

// BatchValidateClaims validates each claim independently.
func (m *StateMachine) BatchValidateClaims(ctx context.Context, ids []uuid.UUID, actor string) *BatchResult {
	res := NewBatchResult()
	for _, id := range ids {
		out, err := m.ValidateClaim(ctx, id, actor)
		if err != nil {
			m.logger.Debug().Err(err).Str("claim_id", id.String()).Msg("batch validation item failed")
			res.AddError(id, err)
			continue
		}
		res.AddSuccess(BatchItem{ClaimID: id, Status: out.Claim.Status, Warnings: out.Result.Warnings})
	}
	return res
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func nonEmpty(items []string) []string {
	var out []string
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
