package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/domain/claim"
	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/events"
	"github.com/rcm/rcm/pkg/money"
)

const (
	RuleAlreadyReconciled  = "payment-already-reconciled"
	RuleNotReconciled      = "payment-not-reconciled"
	RulePayerMismatch      = "allocation-payer-mismatch"
	RuleDenialAfterPayment = "allocation-denial-after-payment"
)

// SourceRef tags the claim history entries written by a reconciliation.
func SourceRef(reconciliationID uuid.UUID) string {
	return "reconciliation:" + reconciliationID.String()
}

// ClaimLedger is the part of the claim state machine payments need. Calls
// made inside an Engine transaction join it.
type ClaimLedger interface {
	GetClaim(ctx context.Context, id uuid.UUID) (*claim.Claim, error)
	OutstandingClaims(ctx context.Context, payerID string) ([]*claim.Claim, error)
	ApplyPayment(ctx context.Context, a claim.PaymentApplication) (*claim.PaymentOutcome, error)
	RestoreStatus(ctx context.Context, req claim.RestoreRequest) (*claim.Claim, error)
}

// Engine records payments, suggests claim matches and applies or reverses
// reconciliations.
type Engine struct {
	payments  Repository
	claims    ClaimLedger
	tx        db.TxManager
	match     MatchConfig
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithMatchConfig(c MatchConfig) Option { return func(e *Engine) { e.match = c } }

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(payments Repository, claims ClaimLedger, tx db.TxManager, opts ...Option) *Engine {
	e := &Engine{
		payments: payments,
		claims:   claims,
		tx:       tx,
		match:    DefaultMatchConfig(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, box := events.Begin(ctx)
	err := e.tx.WithTx(ctx, fn)
	box.Flush(ctx, e.publisher, e.logger, err)
	return err
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if !events.Emit(ctx, ev) && e.publisher != nil {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn().Err(err).Str("payment_id", ev.Subject).Msg("publish payment event failed")
		}
	}
}

// -- Payments --

func (e *Engine) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return e.payments.FindPaymentByID(ctx, id)
}

func (e *Engine) ListPayments(ctx context.Context, f ListFilter, limit, offset int) ([]*Payment, int, error) {
	return e.payments.ListPayments(ctx, f, limit, offset)
}

// Allocations returns the active allocations of a payment's current
// reconciliation.
func (e *Engine) Allocations(ctx context.Context, p *Payment) ([]*ClaimPayment, error) {
	if !p.Reconciled() {
		return []*ClaimPayment{}, nil
	}
	return e.payments.ListClaimPayments(ctx, *p.ReconciliationID)
}

func checkPayment(p *Payment) error {
	var issues []apperror.Issue
	if strings.TrimSpace(p.PayerID) == "" {
		issues = append(issues, apperror.Issue{Field: "payer_id", Code: "required", Message: "payer is required"})
	}
	if strings.TrimSpace(p.ReferenceNumber) == "" {
		issues = append(issues, apperror.Issue{Field: "reference_number", Code: "required", Message: "check or trace number is required"})
	}
	if p.PaymentDate.IsZero() {
		issues = append(issues, apperror.Issue{Field: "payment_date", Code: "required", Message: "payment date is required"})
	}
	if p.TotalAmount.IsNegative() {
		issues = append(issues, apperror.Issue{Field: "total_amount", Code: "invalid", Message: "total amount must not be negative"})
	}
	if !p.Method.Valid() {
		issues = append(issues, apperror.Issue{Field: "method", Code: "invalid", Message: fmt.Sprintf("unknown payment method %q", p.Method)})
	}
	if len(issues) > 0 {
		return &apperror.ValidationError{Issues: issues}
	}
	return nil
}

// RecordPayment stores a new payment. A payment whose total disagrees with
// the claim detail it carries is flagged UNDERPAID or OVERPAID. A second
// payment with the same payer and reference fails as a duplicate.
func (e *Engine) RecordPayment(ctx context.Context, p *Payment, actor string) (*Payment, error) {
	if err := checkPayment(p); err != nil {
		return nil, err
	}
	p.TotalAmount = money.Round(p.TotalAmount)
	p.ReconciliationID = nil
	p.Status, p.Difference = ingestStatus(p)

	err := e.run(ctx, func(ctx context.Context) error {
		_, err := e.payments.FindPaymentByReference(ctx, p.PayerID, p.ReferenceNumber)
		switch {
		case err == nil:
			return &apperror.DatabaseError{Op: "create payment", Duplicate: true,
				Err: fmt.Errorf("payer %s reference %s already recorded", p.PayerID, p.ReferenceNumber)}
		case !apperror.IsNotFound(err):
			return err
		}
		if err := e.payments.CreatePayment(ctx, p); err != nil {
			return err
		}
		e.emit(ctx, events.New(events.PaymentRecorded, p.ID.String(), actor, p))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("payment_id", p.ID.String()).Str("payer_id", p.PayerID).
		Str("status", string(p.Status)).Str("total", p.TotalAmount.StringFixed(2)).Msg("payment recorded")
	return p, nil
}

// -- Reconciliation --

// ClaimResult is the effect of one allocation on its claim.
type ClaimResult struct {
	ClaimID     uuid.UUID       `json:"claim_id"`
	ClaimNumber string          `json:"claim_number"`
	Amount      decimal.Decimal `json:"amount"`
	Adjusted    decimal.Decimal `json:"adjusted"`
	PriorStatus claim.Status    `json:"prior_status"`
	Status      claim.Status    `json:"status"`
}

// ReconciliationResult reports a reconciliation. Allocated, Adjustments and
// Difference always add up to TotalAmount.
type ReconciliationResult struct {
	PaymentID        uuid.UUID       `json:"payment_id"`
	ReconciliationID *uuid.UUID      `json:"reconciliation_id,omitempty"`
	Status           Status          `json:"status"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Allocated        decimal.Decimal `json:"allocated"`
	Adjustments      decimal.Decimal `json:"adjustments"`
	Difference       decimal.Decimal `json:"difference"`
	Claims           []ClaimResult   `json:"claims"`
	Applied          bool            `json:"applied"`
}

func checkAllocations(allocations []Allocation, actor string) error {
	if actor == "" {
		return apperror.Validation("actor", "required", "actor is required")
	}
	if len(allocations) == 0 {
		return apperror.Validation("allocations", "required", "at least one allocation is required")
	}
	var issues []apperror.Issue
	seen := make(map[uuid.UUID]bool, len(allocations))
	for i, a := range allocations {
		field := fmt.Sprintf("allocations[%d]", i)
		switch {
		case a.ClaimID == uuid.Nil:
			issues = append(issues, apperror.Issue{Field: field + ".claim_id", Code: "required", Message: "claim is required"})
		case seen[a.ClaimID]:
			issues = append(issues, apperror.Issue{Field: field + ".claim_id", Code: "duplicate", Message: "claim allocated more than once"})
		}
		seen[a.ClaimID] = true
		if a.Amount.IsNegative() {
			issues = append(issues, apperror.Issue{Field: field + ".amount", Code: "invalid", Message: "amount must not be negative"})
		} else if a.Amount.IsZero() && a.DenialReason == "" && len(a.Adjustments) == 0 {
			issues = append(issues, apperror.Issue{Field: field + ".amount", Code: "invalid", Message: "amount must be positive unless the claim is denied or adjusted"})
		}
	}
	if len(issues) > 0 {
		return &apperror.ValidationError{Issues: issues}
	}
	return nil
}

// plan checks every allocation against its claim and predicts the outcome
// without writing anything.
func (e *Engine) plan(ctx context.Context, p *Payment, allocations []Allocation) (*ReconciliationResult, error) {
	res := &ReconciliationResult{
		PaymentID:   p.ID,
		TotalAmount: p.TotalAmount,
		Adjustments: p.AdjustmentTotal(),
		Allocated:   decimal.Zero,
		Claims:      make([]ClaimResult, 0, len(allocations)),
	}
	for _, a := range allocations {
		c, err := e.claims.GetClaim(ctx, a.ClaimID)
		if err != nil {
			return nil, err
		}
		if c.PayerID != p.PayerID {
			return nil, apperror.Business(RulePayerMismatch, "claim belongs to a different payer",
				map[string]any{"claim_id": c.ID.String(), "claim_payer": c.PayerID, "payment_payer": p.PayerID})
		}
		if !c.Status.IsOutstanding() {
			return nil, apperror.Business(claim.RuleNotOutstanding, "claim is not awaiting payment",
				map[string]any{"claim_id": c.ID.String(), "current": string(c.Status)})
		}
		cr := ClaimResult{ClaimID: c.ID, ClaimNumber: c.ClaimNumber, Amount: money.Round(a.Amount),
			Adjusted: a.adjusted(), PriorStatus: c.Status}
		switch remaining := c.Balance().Sub(a.Amount).Sub(cr.Adjusted); {
		case a.denial():
			if !claim.CanTransition(c.Status, claim.StatusDenied) {
				return nil, apperror.Business(RuleDenialAfterPayment, "a claim that has already been partly paid cannot be denied",
					map[string]any{"claim_id": c.ID.String(), "current": string(c.Status)})
			}
			cr.Status = claim.StatusDenied
		case remaining.LessThanOrEqual(money.Tolerance.Neg()):
			return nil, apperror.Business(claim.RuleAllocationExceeds, "allocation exceeds the claim's outstanding balance",
				map[string]any{"claim_id": c.ID.String(), "balance": c.Balance().StringFixed(2), "amount": a.Amount.StringFixed(2)})
		case remaining.LessThan(money.Tolerance):
			cr.Status = claim.StatusPaid
		default:
			cr.Status = claim.StatusPartialPaid
		}
		res.Allocated = res.Allocated.Add(cr.Amount)
		res.Claims = append(res.Claims, cr)
	}
	res.Allocated = money.Round(res.Allocated)
	res.Difference = Difference(p.TotalAmount, allocations, p.Adjustments)
	res.Status = StatusForDifference(res.Difference)
	return res, nil
}

// PreviewReconciliation computes what Reconcile would do without writing.
func (e *Engine) PreviewReconciliation(ctx context.Context, paymentID uuid.UUID, allocations []Allocation) (*ReconciliationResult, error) {
	if err := checkAllocations(allocations, "preview"); err != nil {
		return nil, err
	}
	p, err := e.payments.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Reconciled() {
		return nil, alreadyReconciled(p)
	}
	return e.plan(ctx, p, allocations)
}

func alreadyReconciled(p *Payment) error {
	return apperror.Business(RuleAlreadyReconciled, "payment is already reconciled, undo it first",
		map[string]any{"payment_id": p.ID.String(), "reconciliation_id": p.ReconciliationID.String()})
}

// Reconcile applies allocations to their claims and classifies the payment
// by the remaining difference. Claims, allocation records and the payment
// are written in one transaction.
func (e *Engine) Reconcile(ctx context.Context, paymentID uuid.UUID, allocations []Allocation, actor string) (*ReconciliationResult, error) {
	if err := checkAllocations(allocations, actor); err != nil {
		return nil, err
	}
	var res *ReconciliationResult
	err := e.run(ctx, func(ctx context.Context) error {
		p, err := e.payments.FindPaymentByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Reconciled() {
			return alreadyReconciled(p)
		}
		if res, err = e.plan(ctx, p, allocations); err != nil {
			return err
		}

		rid := uuid.New()
		ref := SourceRef(rid)
		for i, a := range allocations {
			out, err := e.claims.ApplyPayment(ctx, claim.PaymentApplication{
				ClaimID:          a.ClaimID,
				Amount:           money.Round(a.Amount),
				Adjusted:         a.adjusted(),
				DenialReason:     a.DenialReason,
				AdjudicationDate: p.PaymentDate,
				ActorID:          actor,
				SourceRef:        ref,
			})
			if err != nil {
				return err
			}
			if err := e.payments.CreateClaimPayment(ctx, &ClaimPayment{
				PaymentID:        p.ID,
				ClaimID:          a.ClaimID,
				ReconciliationID: rid,
				Amount:           money.Round(a.Amount),
				Adjustments:      a.Adjustments,
				PriorStatus:      string(out.PriorStatus),
				ResultStatus:     string(out.Claim.Status),
			}); err != nil {
				return err
			}
			res.Claims[i].PriorStatus = out.PriorStatus
			res.Claims[i].Status = out.Claim.Status
		}

		version := p.VersionID
		p.Status, p.Difference, p.ReconciliationID = res.Status, res.Difference, &rid
		if err := e.updatePayment(ctx, p, version); err != nil {
			return err
		}
		res.ReconciliationID, res.Applied = &rid, true
		e.emit(ctx, events.New(events.PaymentReconciled, p.ID.String(), actor, res))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("payment_id", paymentID.String()).Str("reconciliation_id", res.ReconciliationID.String()).
		Str("status", string(res.Status)).Str("difference", res.Difference.StringFixed(2)).
		Int("claims", len(res.Claims)).Msg("payment reconciled")
	return res, nil
}

func (e *Engine) updatePayment(ctx context.Context, p *Payment, version int) error {
	err := e.payments.UpdatePayment(ctx, p, version)
	if errors.Is(err, ErrVersionConflict) {
		return apperror.Business(claim.RuleConcurrentUpdate, "payment was modified concurrently, please retry",
			map[string]any{"payment_id": p.ID.String()})
	}
	return err
}

// UndoResult reports the claims restored by UndoReconciliation.
type UndoResult struct {
	PaymentID        uuid.UUID     `json:"payment_id"`
	ReconciliationID uuid.UUID     `json:"reconciliation_id"`
	Status           Status        `json:"status"`
	Claims           []ClaimResult `json:"claims"`
}

// UndoReconciliation reverses every allocation of the payment's current
// reconciliation and puts each claim back into the status recorded in its
// history before that reconciliation. Nothing is written if any claim has
// moved on since.
func (e *Engine) UndoReconciliation(ctx context.Context, paymentID uuid.UUID, actor string) (*UndoResult, error) {
	if actor == "" {
		return nil, apperror.Validation("actor", "required", "actor is required")
	}
	var res *UndoResult
	err := e.run(ctx, func(ctx context.Context) error {
		p, err := e.payments.FindPaymentByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if !p.Reconciled() {
			return apperror.Business(RuleNotReconciled, "payment has no reconciliation to undo",
				map[string]any{"payment_id": p.ID.String()})
		}
		rid := *p.ReconciliationID
		allocations, err := e.payments.ListClaimPayments(ctx, rid)
		if err != nil {
			return err
		}

		res = &UndoResult{PaymentID: p.ID, ReconciliationID: rid, Claims: make([]ClaimResult, len(allocations))}
		for i := len(allocations) - 1; i >= 0; i-- {
			cp := allocations[i]
			adjusted := SumAdjustments(cp.Adjustments)
			if claim.Status(cp.ResultStatus) == claim.StatusDenied {
				adjusted = decimal.Zero
			}
			c, err := e.claims.RestoreStatus(ctx, claim.RestoreRequest{
				ClaimID:   cp.ClaimID,
				SourceRef: SourceRef(rid),
				Amount:    cp.Amount,
				Adjusted:  adjusted,
				ActorID:   actor,
			})
			if err != nil {
				return err
			}
			res.Claims[i] = ClaimResult{ClaimID: c.ID, ClaimNumber: c.ClaimNumber, Amount: cp.Amount,
				Adjusted: adjusted, PriorStatus: claim.Status(cp.ResultStatus), Status: c.Status}
		}
		if err := e.payments.ReverseClaimPayments(ctx, rid, e.now().UTC()); err != nil {
			return err
		}

		version := p.VersionID
		p.Status, p.Difference, p.ReconciliationID = StatusUnreconciled, p.Available(), nil
		if err := e.updatePayment(ctx, p, version); err != nil {
			return err
		}
		res.Status = p.Status
		e.emit(ctx, events.New(events.PaymentReconciliationUndone, p.ID.String(), actor, res))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("payment_id", paymentID.String()).Str("reconciliation_id", res.ReconciliationID.String()).
		Int("claims", len(res.Claims)).Msg("reconciliation undone")
	return res, nil
}

// AutoReconcileResult carries the suggestions considered and, when any was
// confident enough, the reconciliation applied.
type AutoReconcileResult struct {
	Suggestions    []Suggestion          `json:"suggestions"`
	Reconciliation *ReconciliationResult `json:"reconciliation,omitempty"`
	Reconciled     bool                  `json:"reconciled"`
}

// AutoReconcile allocates the payment greedily over suggestions at or above
// the confidence threshold, highest first, then reconciles. Without a
// confident match the payment is left untouched.
func (e *Engine) AutoReconcile(ctx context.Context, paymentID uuid.UUID, actor string) (*AutoReconcileResult, error) {
	p, err := e.payments.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Reconciled() {
		return nil, alreadyReconciled(p)
	}
	suggestions, err := e.suggest(ctx, p)
	if err != nil {
		return nil, err
	}
	out := &AutoReconcileResult{Suggestions: suggestions}
	allocations := greedyAllocations(p, suggestions, e.match.ConfidenceThreshold)
	if len(allocations) == 0 {
		e.logger.Debug().Str("payment_id", p.ID.String()).Int("suggestions", len(suggestions)).
			Msg("no confident match, payment left unreconciled")
		return out, nil
	}
	if out.Reconciliation, err = e.Reconcile(ctx, p.ID, allocations, actor); err != nil {
		return nil, err
	}
	out.Reconciled = true
	return out, nil
}
