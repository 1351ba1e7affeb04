// Package submission sends validated claims to payers through their
// integration adapters, guarded by a per-integration circuit breaker and a
// retry policy, and keeps claim status in step with what the payer reports.
package submission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcm/rcm/internal/domain/claim"
	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/internal/platform/breaker"
	"github.com/rcm/rcm/internal/platform/payer"
	"github.com/rcm/rcm/internal/platform/retry"
)

const (
	RuleTimelyFilingExceeded = "timely-filing-exceeded"
	RuleNotSubmittable       = "claim-not-submittable"
	RuleNotTracked           = "claim-not-tracked"

	DefaultMethod      = "electronic"
	DefaultCallTimeout = 30 * time.Second
	DefaultConcurrency = 4
)

// Claims is the part of the claim state machine the orchestrator drives.
type Claims interface {
	GetClaim(ctx context.Context, id uuid.UUID) (*claim.Claim, error)
	ServicesFor(ctx context.Context, c *claim.Claim) ([]*claim.Service, error)
	Profiles() *claim.Profiles
	MarkSubmitted(ctx context.Context, id uuid.UUID, method string, date time.Time, trackingID, actor string) (*claim.Claim, error)
	MarkPending(ctx context.Context, id uuid.UUID, trackingID, actor, reason string) (*claim.Claim, error)
	RecordAdjudication(ctx context.Context, req claim.AdjudicationRequest) (*claim.Claim, error)
}

// Adapters resolves payer integrations by id.
type Adapters interface {
	Adapter(id string) (payer.Adapter, error)
	IDs() []string
}

type Orchestrator struct {
	claims      Claims
	adapters    Adapters
	breakers    *breaker.Registry
	policy      retry.Policy
	callTimeout time.Duration
	concurrency int
	logger      zerolog.Logger
	now         func() time.Time
}

type Option func(*Orchestrator)

func WithRetryPolicy(p retry.Policy) Option { return func(o *Orchestrator) { o.policy = p } }

// WithCallTimeout bounds every single adapter call.
func WithCallTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.callTimeout = d } }

// WithConcurrency limits how many claims a batch submits at once.
func WithConcurrency(n int) Option { return func(o *Orchestrator) { o.concurrency = n } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func NewOrchestrator(claims Claims, adapters Adapters, breakers *breaker.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		claims:      claims,
		adapters:    adapters,
		breakers:    breakers,
		policy:      retry.Default,
		callTimeout: DefaultCallTimeout,
		concurrency: DefaultConcurrency,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}
	return o
}

// SubmitOptions apply to one submission or to every claim of a batch.
type SubmitOptions struct {
	Method string
	// Date defaults to now.
	Date  time.Time
	Actor string
	// NativeBatch sends a batch through the adapter's SubmitBatch, one call
	// per integration, instead of one SubmitClaim per claim.
	NativeBatch bool
}

func (o *Orchestrator) withDefaults(opts SubmitOptions) SubmitOptions {
	if opts.Method == "" {
		opts.Method = DefaultMethod
	}
	if opts.Date.IsZero() {
		opts.Date = o.now()
	}
	return opts
}

type SubmissionResult struct {
	ClaimID      uuid.UUID    `json:"claim_id"`
	ClaimNumber  string       `json:"claim_number"`
	Status       claim.Status `json:"status"`
	TrackingID   string       `json:"tracking_id"`
	Acknowledged bool         `json:"acknowledged"`
	Attempts     int          `json:"attempts"`
}

// Submit sends one VALIDATED claim to its payer. On success the claim moves
// to SUBMITTED, and on to PENDING when the payer acknowledged it. On failure
// the claim is left VALIDATED and the classified error is returned.
func (o *Orchestrator) Submit(ctx context.Context, claimID uuid.UUID, opts SubmitOptions) (*SubmissionResult, error) {
	opts = o.withDefaults(opts)

	c, sub, err := o.prepare(ctx, claimID, opts)
	if err != nil {
		return nil, err
	}
	adapter, err := o.adapters.Adapter(c.IntegrationID)
	if err != nil {
		return nil, err
	}

	resp, attempts, err := call(ctx, o, c.IntegrationID, "/claims", func(ctx context.Context) (*payer.SubmitResponse, error) {
		r, err := adapter.SubmitClaim(ctx, *sub)
		if err != nil {
			return nil, err
		}
		if r == nil || r.TrackingID == "" {
			return nil, &apperror.IntegrationError{Service: c.IntegrationID, Endpoint: "/claims", StatusCode: http.StatusOK,
				Err: errors.New("submission response missing tracking id")}
		}
		return r, nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Str("integration", c.IntegrationID).
			Int("attempts", attempts).Msg("claim submission failed")
		return nil, err
	}

	res, err := o.record(ctx, c, resp.TrackingID, resp.Acknowledged, opts)
	if err != nil {
		return nil, err
	}
	res.Attempts = attempts
	return res, nil
}

// prepare loads the claim and checks it may be submitted now.
func (o *Orchestrator) prepare(ctx context.Context, claimID uuid.UUID, opts SubmitOptions) (*claim.Claim, *payer.ClaimSubmission, error) {
	c, err := o.claims.GetClaim(ctx, claimID)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != claim.StatusValidated {
		return nil, nil, apperror.Business(RuleNotSubmittable, fmt.Sprintf("only VALIDATED claims can be submitted, claim is %s", c.Status),
			map[string]any{"claim_id": c.ID.String(), "current": string(c.Status)})
	}
	profile := o.claims.Profiles().Get(c.PayerID)
	if c.EarliestServiceDate != nil && profile.TimelyFilingDays > 0 {
		deadline := claim.TimelyFilingDeadline(*c.EarliestServiceDate, profile.TimelyFilingDays)
		if opts.Date.After(deadline) {
			return nil, nil, apperror.Business(RuleTimelyFilingExceeded, "claim is past the payer's timely filing deadline",
				map[string]any{
					"claim_id":              c.ID.String(),
					"earliest_service_date": c.EarliestServiceDate.Format("2006-01-02"),
					"deadline":              deadline.Format("2006-01-02"),
					"timely_filing_days":    profile.TimelyFilingDays,
				})
		}
	}
	sub, err := o.submission(ctx, c, opts.Method)
	if err != nil {
		return nil, nil, err
	}
	return c, sub, nil
}

func (o *Orchestrator) submission(ctx context.Context, c *claim.Claim, method string) (*payer.ClaimSubmission, error) {
	services, err := o.claims.ServicesFor(ctx, c)
	if err != nil {
		return nil, err
	}
	sub := &payer.ClaimSubmission{
		ClaimID:          c.ID,
		ClaimNumber:      c.ClaimNumber,
		ClaimType:        string(c.ClaimType),
		ClientID:         c.ClientID,
		PayerID:          c.PayerID,
		BilledAmount:     c.BilledAmount,
		SubmissionMethod: method,
		Lines:            make([]payer.ServiceLine, 0, len(services)),
	}
	for _, s := range services {
		line := payer.ServiceLine{
			ServiceID:   s.ID,
			ServiceCode: s.ServiceCode,
			ServiceDate: s.ServiceDate,
			Units:       s.Units,
			Amount:      s.Amount(),
		}
		if s.RenderingProviderID != nil {
			line.RenderingProviderID = *s.RenderingProviderID
		}
		sub.Lines = append(sub.Lines, line)
	}
	if c.OriginalClaimID != nil {
		orig, err := o.claims.GetClaim(ctx, *c.OriginalClaimID)
		if err != nil {
			return nil, err
		}
		sub.OriginalTrackingID = orig.TrackingID()
	}
	return sub, nil
}

// call runs fn against an integration: retried by the policy, each attempt
// admitted by the integration's breaker and bounded by the call timeout. A
// call the breaker refuses fails at once with a non-retryable error.
func call[T any](ctx context.Context, o *Orchestrator, integration, endpoint string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	br := o.breakers.Get(integration)
	attempts := 0
	policy := o.policy
	policy.OnRetry = func(err error, delay time.Duration) {
		o.logger.Warn().Err(err).Str("integration", integration).Str("endpoint", endpoint).
			Int("attempt", attempts).Dur("delay", delay).Msg("payer call failed, retrying")
		if o.policy.OnRetry != nil {
			o.policy.OnRetry(err, delay)
		}
	}
	var result T
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		return br.Execute(ctx, func(ctx context.Context) error {
			v, err := bounded(ctx, o.callTimeout, integration, endpoint, fn)
			if err == nil {
				result = v
			}
			return err
		})
	})
	if errors.Is(err, breaker.ErrOpen) {
		return result, attempts, &apperror.IntegrationError{
			Service:    integration,
			Endpoint:   endpoint,
			StatusCode: http.StatusServiceUnavailable,
			Body:       "circuit breaker open",
			Err:        err,
		}
	}
	return result, attempts, err
}

// bounded runs one adapter call and returns no later than timeout, whether
// or not the adapter honours its context. Running out of time is a retryable
// integration failure, the same as a network error; the caller's own
// cancellation is returned as is.
func bounded[T any](ctx context.Context, timeout time.Duration, integration, endpoint string, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: fmt.Errorf("payer adapter panic: %v", r)}
			}
			done <- out
		}()
		out.v, out.err = fn(callCtx)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}
	if out.err == nil || ctx.Err() != nil {
		return out.v, out.err
	}
	var ie *apperror.IntegrationError
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.As(out.err, &ie) {
		out.err = payer.Classify(integration, endpoint, 0, "", out.err)
	}
	return out.v, out.err
}

// record moves the claim along after the payer accepted it.
func (o *Orchestrator) record(ctx context.Context, c *claim.Claim, trackingID string, acknowledged bool, opts SubmitOptions) (*SubmissionResult, error) {
	updated, err := o.claims.MarkSubmitted(ctx, c.ID, opts.Method, opts.Date, trackingID, opts.Actor)
	if err != nil {
		// The payer has the claim; the tracking id must not be lost.
		o.logger.Error().Err(err).Str("claim_id", c.ID.String()).Str("tracking_id", trackingID).
			Msg("payer accepted claim but status update failed")
		return nil, err
	}
	if acknowledged {
		if updated, err = o.claims.MarkPending(ctx, c.ID, "", opts.Actor, "acknowledged by payer"); err != nil {
			o.logger.Error().Err(err).Str("claim_id", c.ID.String()).Str("tracking_id", trackingID).
				Msg("claim submitted but acknowledgement not recorded")
			return nil, err
		}
	}
	o.logger.Info().Str("claim_id", c.ID.String()).Str("claim_number", c.ClaimNumber).
		Str("integration", c.IntegrationID).Str("tracking_id", trackingID).Str("status", string(updated.Status)).
		Msg("claim submitted")
	return &SubmissionResult{
		ClaimID:      c.ID,
		ClaimNumber:  c.ClaimNumber,
		Status:       updated.Status,
		TrackingID:   trackingID,
		Acknowledged: acknowledged,
	}, nil
}

// -- Batch --

// BatchSubmit submits each claim independently with bounded parallelism.
// Claims for one integration share its breaker, so once it opens the rest
// of that integration's claims fail fast. Results keep the input order.
func (o *Orchestrator) BatchSubmit(ctx context.Context, ids []uuid.UUID, opts SubmitOptions) *claim.BatchResult {
	opts = o.withDefaults(opts)
	if opts.NativeBatch {
		return o.nativeBatch(ctx, ids, opts)
	}

	type outcome struct {
		res *SubmissionResult
		err error
	}
	outcomes := make([]outcome, len(ids))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			res, err := o.Submit(ctx, id, opts)
			outcomes[i] = outcome{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := claim.NewBatchResult()
	for i, oc := range outcomes {
		if oc.err != nil {
			result.AddError(ids[i], oc.err)
			continue
		}
		result.AddSuccess(claim.BatchItem{ClaimID: ids[i], Status: oc.res.Status, TrackingID: oc.res.TrackingID})
	}
	return result
}

type batchEntry struct {
	index int
	claim *claim.Claim
	sub   payer.ClaimSubmission
}

// nativeBatch groups claims by integration and sends each group in a single
// SubmitBatch call. Groups run concurrently.
func (o *Orchestrator) nativeBatch(ctx context.Context, ids []uuid.UUID, opts SubmitOptions) *claim.BatchResult {
	items := make([]claim.BatchItem, len(ids))
	errs := make([]error, len(ids))

	groups := map[string][]batchEntry{}
	for i, id := range ids {
		c, sub, err := o.prepare(ctx, id, opts)
		if err != nil {
			errs[i] = err
			continue
		}
		groups[c.IntegrationID] = append(groups[c.IntegrationID], batchEntry{index: i, claim: c, sub: *sub})
	}
	integrations := make([]string, 0, len(groups))
	for id := range groups {
		integrations = append(integrations, id)
	}
	sort.Strings(integrations)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, integration := range integrations {
		entries := groups[integration]
		g.Go(func() error {
			fail := func(err error) {
				mu.Lock()
				defer mu.Unlock()
				for _, e := range entries {
					errs[e.index] = err
				}
			}
			adapter, err := o.adapters.Adapter(integration)
			if err != nil {
				fail(err)
				return nil
			}
			subs := make([]payer.ClaimSubmission, len(entries))
			for i, e := range entries {
				subs[i] = e.sub
			}
			var results []payer.BatchItemResult
			results, _, err = call(ctx, o, integration, "/claims/batch", func(ctx context.Context) ([]payer.BatchItemResult, error) {
				r, err := adapter.SubmitBatch(ctx, subs)
				if err != nil {
					return nil, err
				}
				if len(r) != len(subs) {
					return nil, &apperror.IntegrationError{Service: integration, Endpoint: "/claims/batch", StatusCode: http.StatusOK,
						Err: fmt.Errorf("batch response has %d results for %d claims", len(r), len(subs))}
				}
				return r, nil
			})
			if err != nil {
				o.logger.Warn().Err(err).Str("integration", integration).Int("claims", len(entries)).Msg("batch submission failed")
				fail(err)
				return nil
			}
			for i, e := range entries {
				r := results[i]
				if r.Err == nil && r.TrackingID == "" {
					r.Err = &apperror.IntegrationError{Service: integration, Endpoint: "/claims/batch", StatusCode: http.StatusOK,
						Err: errors.New("batch result missing tracking id")}
				}
				var (
					res  *SubmissionResult
					rerr = r.Err
				)
				if rerr == nil {
					res, rerr = o.record(ctx, e.claim, r.TrackingID, r.Acknowledged, opts)
				}
				mu.Lock()
				if rerr != nil {
					errs[e.index] = rerr
				} else {
					items[e.index] = claim.BatchItem{ClaimID: e.claim.ID, Status: res.Status, TrackingID: res.TrackingID}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result := claim.NewBatchResult()
	for i, id := range ids {
		if errs[i] != nil {
			result.AddError(id, errs[i])
			continue
		}
		result.AddSuccess(items[i])
	}
	return result
}

// -- Status --

// RefreshStatus asks the payer for the claim's adjudication status and
// records any change: acknowledgement moves a SUBMITTED claim to PENDING,
// a decision moves it to PAID, PARTIAL_PAID or DENIED.
func (o *Orchestrator) RefreshStatus(ctx context.Context, claimID uuid.UUID, actor string) (*claim.Claim, error) {
	c, err := o.claims.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case claim.StatusSubmitted, claim.StatusPending, claim.StatusPartialPaid, claim.StatusAppealed:
	default:
		return nil, apperror.Business(RuleNotTracked, fmt.Sprintf("a %s claim is not awaiting a payer decision", c.Status),
			map[string]any{"claim_id": c.ID.String(), "current": string(c.Status)})
	}
	if c.TrackingID() == "" {
		return nil, apperror.Business(RuleNotTracked, "claim has no payer tracking id",
			map[string]any{"claim_id": c.ID.String()})
	}
	adapter, err := o.adapters.Adapter(c.IntegrationID)
	if err != nil {
		return nil, err
	}

	st, _, err := call(ctx, o, c.IntegrationID, "/claims/status", func(ctx context.Context) (*payer.StatusResponse, error) {
		return adapter.CheckStatus(ctx, c.TrackingID())
	})
	if err != nil {
		return nil, err
	}

	target, ok := adjudicated(st.Status)
	if !ok {
		if (st.Status == payer.StatusReceived || st.Status == payer.StatusPending) && c.Status == claim.StatusSubmitted {
			return o.claims.MarkPending(ctx, c.ID, "", actor, "acknowledged by payer")
		}
		return c, nil
	}
	if target == c.Status && (target != claim.StatusPartialPaid || !st.PaidAmount.GreaterThan(c.PaidAmount)) {
		return c, nil
	}
	if c.Status == claim.StatusSubmitted {
		if c, err = o.claims.MarkPending(ctx, c.ID, "", actor, "acknowledged by payer"); err != nil {
			return nil, err
		}
	}
	date := o.now()
	if st.AdjudicatedAt != nil {
		date = *st.AdjudicatedAt
	}
	return o.claims.RecordAdjudication(ctx, claim.AdjudicationRequest{
		ClaimID:      c.ID,
		Status:       target,
		PaidAmount:   st.PaidAmount,
		DenialReason: st.DenialReason,
		Date:         date,
		ActorID:      actor,
		SourceRef:    "status:" + st.TrackingID,
	})
}

func adjudicated(s payer.AdjudicationStatus) (claim.Status, bool) {
	switch s {
	case payer.StatusPaid:
		return claim.StatusPaid, true
	case payer.StatusPartial:
		return claim.StatusPartialPaid, true
	case payer.StatusDenied:
		return claim.StatusDenied, true
	}
	return "", false
}

// -- Health --

type IntegrationHealth struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	ResponseTimeMs int64            `json:"response_time_ms"`
	Message        string           `json:"message,omitempty"`
	Breaker        breaker.Snapshot `json:"breaker"`
}

// IntegrationHealth checks every integration concurrently. Health checks do
// not go through the breaker and never change its state.
func (o *Orchestrator) IntegrationHealth(ctx context.Context) []IntegrationHealth {
	ids := o.adapters.IDs()
	out := make([]IntegrationHealth, len(ids))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			h := IntegrationHealth{ID: id, Status: "down", Breaker: o.breakers.Get(id).Snapshot()}
			adapter, err := o.adapters.Adapter(id)
			if err != nil {
				h.Message = err.Error()
				out[i] = h
				return nil
			}
			res, err := bounded(ctx, o.callTimeout, id, "/health", adapter.CheckHealth)
			if res != nil {
				h.Status, h.ResponseTimeMs, h.Message = res.Status, res.ResponseTimeMs, res.Message
			}
			if err != nil {
				h.Status = "down"
				h.Message = apperror.PublicBody(err).Message
				o.logger.Warn().Err(err).Str("integration", id).Msg("integration health check failed")
			}
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return out
}
