package remittance

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/domain/payment"
	"github.com/rcm/rcm/internal/platform/apperror"
)

// PaymentPoster is the part of the payment engine ingestion needs.
type PaymentPoster interface {
	RecordPayment(ctx context.Context, p *payment.Payment, actor string) (*payment.Payment, error)
	AutoReconcile(ctx context.Context, paymentID uuid.UUID, actor string) (*payment.AutoReconcileResult, error)
}

// Processor parses remittance files and records their payments.
type Processor struct {
	payments PaymentPoster
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Processor)

func WithLogger(l zerolog.Logger) Option { return func(p *Processor) { p.logger = l } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func NewProcessor(payments PaymentPoster, opts ...Option) *Processor {
	p := &Processor{payments: payments, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type IngestOptions struct {
	AutoReconcile bool
	Actor         string
	// SourceName is stored on each payment as its source file.
	SourceName string
}

// IngestedPayment is the outcome for one payment of a file.
type IngestedPayment struct {
	PaymentID       uuid.UUID       `json:"payment_id,omitempty"`
	PayerID         string          `json:"payer_id"`
	ReferenceNumber string          `json:"reference_number"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          payment.Status  `json:"status,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	Reconciled      bool            `json:"reconciled,omitempty"`
	Error           string          `json:"error,omitempty"`
}

type IngestResult struct {
	Source          string            `json:"source,omitempty"`
	Payments        []IngestedPayment `json:"payments"`
	Recorded        int               `json:"recorded"`
	Duplicates      int               `json:"duplicates"`
	Failed          int               `json:"failed"`
	Reconciled      int               `json:"reconciled"`
	AdjustmentCodes map[string]string `json:"adjustment_codes"`
	ParseErrors     []ParseError      `json:"parse_errors"`
	Elapsed         string            `json:"elapsed"`
}

// Ingest parses a file and records each payment in it. A payment already on
// file for the same payer and reference counts as a duplicate, so a file can
// be ingested again after a partial failure. A payment that cannot be
// recorded or reconciled fails alone: the error is reported on its item and
// the rest of the file is still processed. Only cancellation of ctx stops the
// ingest.
func (pr *Processor) Ingest(ctx context.Context, r io.Reader, fileType FileType, opts IngestOptions) (*IngestResult, error) {
	if opts.Actor == "" {
		return nil, apperror.Validation("actor", "required", "actor is required")
	}
	start := pr.now()
	parsed, err := Parse(ctx, r, fileType)
	if err != nil {
		return nil, err
	}

	out := &IngestResult{
		Source:          opts.SourceName,
		Payments:        make([]IngestedPayment, 0, len(parsed.Payments)),
		AdjustmentCodes: parsed.AdjustmentCodes,
		ParseErrors:     parsed.ParseErrors,
	}
	for _, p := range parsed.Payments {
		if opts.SourceName != "" {
			src := opts.SourceName
			p.SourceFile = &src
		}
		item := IngestedPayment{PayerID: p.PayerID, ReferenceNumber: p.ReferenceNumber, TotalAmount: p.TotalAmount}

		recorded, err := pr.payments.RecordPayment(ctx, p, opts.Actor)
		switch {
		case apperror.IsDuplicate(err):
			item.Duplicate = true
			out.Duplicates++
			out.Payments = append(out.Payments, item)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			item.Error = pr.itemError(err, item, "record payment")
			out.Failed++
			out.Payments = append(out.Payments, item)
			continue
		}
		item.PaymentID, item.Status = recorded.ID, recorded.Status
		out.Recorded++

		if opts.AutoReconcile {
			if err := pr.autoReconcile(ctx, &item, opts.Actor); err != nil {
				return nil, err
			}
			if item.Reconciled {
				out.Reconciled++
			}
		}
		out.Payments = append(out.Payments, item)
	}
	out.Elapsed = pr.now().Sub(start).String()

	pr.logger.Info().Str("source", opts.SourceName).Str("file_type", string(fileType)).
		Int("recorded", out.Recorded).Int("duplicates", out.Duplicates).Int("failed", out.Failed).
		Int("reconciled", out.Reconciled).Int("parse_errors", len(out.ParseErrors)).
		Msg("remittance ingested")
	return out, nil
}

// autoReconcile leaves a payment recorded but unreconciled when
// reconciliation fails; the failure is reported on the item.
func (pr *Processor) autoReconcile(ctx context.Context, item *IngestedPayment, actor string) error {
	res, err := pr.payments.AutoReconcile(ctx, item.PaymentID, actor)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item.Error = "auto-reconcile: " + pr.itemError(err, *item, "auto-reconcile")
		return nil
	}
	if res.Reconciled {
		item.Reconciled = true
		item.Status = res.Reconciliation.Status
	}
	return nil
}

// itemError logs err and returns the message reported on the item. Rule
// violations are shown in full; infrastructure failures only by kind.
func (pr *Processor) itemError(err error, item IngestedPayment, op string) string {
	var (
		ve *apperror.ValidationError
		be *apperror.BusinessError
	)
	if errors.As(err, &ve) || errors.As(err, &be) {
		pr.logger.Warn().Err(err).Str("payer_id", item.PayerID).Str("reference", item.ReferenceNumber).
			Msg(op + " rejected")
		return err.Error()
	}
	pr.logger.Error().Err(err).Str("payer_id", item.PayerID).Str("reference", item.ReferenceNumber).
		Msg(op + " failed")
	return apperror.PublicBody(err).Message
}
