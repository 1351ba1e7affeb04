package remittance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/domain/claim"
	"github.com/rcm/rcm/internal/domain/payment"
	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/events"
	"github.com/rcm/rcm/pkg/money"
)

const testActor = "poster-1"

var testNow = time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)

type fixture struct {
	sm        *claim.StateMachine
	engine    *payment.Engine
	processor *Processor
	recorder  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	claims := claim.NewMemoryStore()
	payments := payment.NewMemoryStore()
	tx := db.NewMemTx(claims, payments)
	rec := &events.Recorder{}
	clock := func() time.Time { return testNow }
	sm := claim.NewStateMachine(claims, claims, claims, tx, nil, claim.WithPublisher(rec), claim.WithClock(clock))
	engine := payment.NewEngine(payments, sm, tx, payment.WithPublisher(rec), payment.WithClock(clock))
	return &fixture{
		sm:        sm,
		engine:    engine,
		processor: NewProcessor(engine, WithClock(clock)),
		recorder:  rec,
	}
}

// pending creates a PENDING payer-a claim billed at amount.
func (f *fixture) pending(t *testing.T, amount string) *claim.Claim {
	t.Helper()
	ctx := context.Background()
	s := &claim.Service{
		ClientID:            uuid.New(),
		PayerID:             "payer-a",
		ServiceCode:         "97153",
		ServiceDate:         testNow.AddDate(0, 0, -20),
		Units:               1,
		Rate:                money.MustParse(amount),
		DocumentationStatus: claim.DocComplete,
		BillingStatus:       claim.BillingReady,
	}
	if err := f.sm.RegisterService(ctx, s); err != nil {
		t.Fatalf("register service: %v", err)
	}
	c, err := f.sm.CreateFromServices(ctx, claim.CreateClaimRequest{ServiceIDs: []uuid.UUID{s.ID}, ActorID: testActor})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	if _, err := f.sm.ValidateClaim(ctx, c.ID, testActor); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := f.sm.MarkSubmitted(ctx, c.ID, "electronic", testNow.AddDate(0, 0, -15), "PCN-"+c.ClaimNumber, testActor); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, err = f.sm.MarkPending(ctx, c.ID, "", testActor, "acknowledged")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return c
}

func (f *fixture) status(t *testing.T, id uuid.UUID) claim.Status {
	t.Helper()
	c, err := f.sm.GetClaim(context.Background(), id)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	return c.Status
}

func (f *fixture) ingest(t *testing.T, raw string, opts IngestOptions) *IngestResult {
	t.Helper()
	if opts.Actor == "" {
		opts.Actor = testActor
	}
	res, err := f.processor.Ingest(context.Background(), strings.NewReader(raw), FileX12835, opts)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return res
}

func TestIngest_RecordsPaymentsOnce(t *testing.T) {
	f := newFixture(t)
	raw := interchange(goodSet(1), goodSet(2))

	res := f.ingest(t, raw, IngestOptions{SourceName: "era-0305.835"})
	if res.Recorded != 2 || res.Duplicates != 0 || len(res.Payments) != 2 {
		t.Fatalf("unexpected first ingest %+v", res)
	}
	p, err := f.engine.GetPayment(context.Background(), res.Payments[0].PaymentID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if p.SourceFile == nil || *p.SourceFile != "era-0305.835" {
		t.Errorf("expected source file recorded, got %v", p.SourceFile)
	}

	again := f.ingest(t, raw, IngestOptions{})
	if again.Recorded != 0 || again.Duplicates != 2 {
		t.Errorf("re-ingest should only find duplicates: %+v", again)
	}
	if n := len(f.recorder.Events(events.PaymentRecorded)); n != 2 {
		t.Errorf("expected 2 payment.recorded events, got %d", n)
	}
}

func TestIngest_AutoReconcile(t *testing.T) {
	f := newFixture(t)
	paid := f.pending(t, "1000.00")
	denied := f.pending(t, "200.00")

	raw := interchange([]string{
		bpr("800.00", "CHK", "20240305"),
		"TRN*1*CHK7001*1512345678",
		"N1*PR*ACME HEALTH*XV*payer-a",
		"CLP*" + paid.ClaimNumber + "*1*1000*800*0*MC*PCN-" + paid.ClaimNumber,
		"CAS*CO*45*200",
		"CLP*" + denied.ClaimNumber + "*4*200*0*0*MC",
		"CAS*CO*50*200",
	})
	res := f.ingest(t, raw, IngestOptions{AutoReconcile: true})
	if res.Recorded != 1 || res.Reconciled != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if item := res.Payments[0]; !item.Reconciled || item.Status != payment.StatusReconciled {
		t.Errorf("unexpected item %+v", item)
	}
	if got := f.status(t, paid.ID); got != claim.StatusPaid {
		t.Errorf("expected PAID, got %s", got)
	}
	if got := f.status(t, denied.ID); got != claim.StatusDenied {
		t.Errorf("expected DENIED, got %s", got)
	}
}

func TestIngest_UnmatchedPaymentStaysUnreconciled(t *testing.T) {
	f := newFixture(t)
	res := f.ingest(t, interchange(goodSet(9)), IngestOptions{AutoReconcile: true})
	if res.Recorded != 1 || res.Reconciled != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if item := res.Payments[0]; item.Reconciled || item.Status != payment.StatusUnreconciled || item.Error != "" {
		t.Errorf("unexpected item %+v", item)
	}
}

func TestIngest_FlagsShortPayment(t *testing.T) {
	f := newFixture(t)
	raw := interchange([]string{
		bpr("700.00", "ACH", "20240305"),
		"TRN*1*EFT3001*1512345678",
		"N1*PR*ACME HEALTH*XV*payer-a",
		"CLP*CLM-X*1*1000*800*0*MC",
	})
	res := f.ingest(t, raw, IngestOptions{})
	if res.Payments[0].Status != payment.StatusUnderpaid {
		t.Errorf("expected UNDERPAID, got %s", res.Payments[0].Status)
	}
}

func TestIngest_RejectedPaymentIsPerItem(t *testing.T) {
	f := newFixture(t)
	negative := []string{bpr("-5.00", "ACH", "20240305"), "TRN*1*NEG*1", "N1*PR*P*XV*payer-a"}
	res := f.ingest(t, interchange(goodSet(1), negative), IngestOptions{})
	if res.Recorded != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Payments[1].Error == "" {
		t.Error("expected the rejection on the item")
	}
}

func TestIngest_KeepsParseErrors(t *testing.T) {
	f := newFixture(t)
	res := f.ingest(t, interchange(goodSet(1), []string{"TRN*1*BAD*1"}, goodSet(2)), IngestOptions{})
	if res.Recorded != 2 || len(res.ParseErrors) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestIngest_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.Ingest(ctx, strings.NewReader(interchange(goodSet(1))), FileX12835, IngestOptions{})
	var ve *apperror.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("missing actor: expected ValidationError, got %v", err)
	}

	_, err = f.processor.Ingest(ctx, strings.NewReader("ISA*broken"), FileX12835, IngestOptions{Actor: testActor})
	if !errors.As(err, &ve) {
		t.Errorf("broken envelope: expected ValidationError, got %v", err)
	}
}

// flakyPoster fails chosen calls and passes the rest to the engine.
type flakyPoster struct {
	PaymentPoster
	failRecord    map[int]error
	failReconcile error
	records       int
}

func (p *flakyPoster) RecordPayment(ctx context.Context, pay *payment.Payment, actor string) (*payment.Payment, error) {
	p.records++
	if err, ok := p.failRecord[p.records]; ok {
		return nil, err
	}
	return p.PaymentPoster.RecordPayment(ctx, pay, actor)
}

func (p *flakyPoster) AutoReconcile(ctx context.Context, id uuid.UUID, actor string) (*payment.AutoReconcileResult, error) {
	if p.failReconcile != nil {
		return nil, p.failReconcile
	}
	return p.PaymentPoster.AutoReconcile(ctx, id, actor)
}

func TestIngest_DatabaseErrorFailsOnlyThatPayment(t *testing.T) {
	f := newFixture(t)
	poster := &flakyPoster{
		PaymentPoster: f.engine,
		failRecord: map[int]error{
			1: &apperror.DatabaseError{Op: "create payment", Err: errors.New("deadlock detected")},
		},
	}
	pr := NewProcessor(poster, WithClock(func() time.Time { return testNow }))

	res, err := pr.Ingest(context.Background(), strings.NewReader(interchange(goodSet(1), goodSet(2), goodSet(3))),
		FileX12835, IngestOptions{Actor: testActor})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if poster.records != 3 {
		t.Errorf("expected every payment attempted, got %d", poster.records)
	}
	if res.Recorded != 2 || res.Failed != 1 || len(res.Payments) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	first := res.Payments[0]
	if first.Error != "internal error" || first.PaymentID != uuid.Nil {
		t.Errorf("expected a generic per-item failure, got %+v", first)
	}
	if strings.Contains(first.Error, "deadlock") {
		t.Errorf("database detail leaked into the report: %q", first.Error)
	}
	for _, item := range res.Payments[1:] {
		if item.PaymentID == uuid.Nil || item.Error != "" {
			t.Errorf("expected later payments recorded, got %+v", item)
		}
	}

	// The failed payment goes through when the file is sent again.
	again, err := f.processor.Ingest(context.Background(), strings.NewReader(interchange(goodSet(1), goodSet(2), goodSet(3))),
		FileX12835, IngestOptions{Actor: testActor})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if again.Recorded != 1 || again.Duplicates != 2 {
		t.Errorf("expected the failed payment recorded on retry, got %+v", again)
	}
}

func TestIngest_AutoReconcileFailureKeepsPayment(t *testing.T) {
	f := newFixture(t)
	poster := &flakyPoster{
		PaymentPoster: f.engine,
		failReconcile: &apperror.DatabaseError{Op: "update payment", Err: errors.New("connection reset")},
	}
	pr := NewProcessor(poster)

	res, err := pr.Ingest(context.Background(), strings.NewReader(interchange(goodSet(1), goodSet(2))),
		FileX12835, IngestOptions{Actor: testActor, AutoReconcile: true})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Recorded != 2 || res.Reconciled != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, item := range res.Payments {
		if item.PaymentID == uuid.Nil || item.Error != "auto-reconcile: internal error" {
			t.Errorf("expected recorded payment with reconcile failure, got %+v", item)
		}
	}
}

// cancelingPoster cancels the ingest while recording the first payment.
type cancelingPoster struct {
	PaymentPoster
	cancel  context.CancelFunc
	records int
}

func (p *cancelingPoster) RecordPayment(ctx context.Context, _ *payment.Payment, _ string) (*payment.Payment, error) {
	p.records++
	p.cancel()
	return nil, &apperror.DatabaseError{Op: "create payment", Err: ctx.Err()}
}

func TestIngest_CancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poster := &cancelingPoster{cancel: cancel}

	_, err := NewProcessor(poster).Ingest(ctx, strings.NewReader(interchange(goodSet(1), goodSet(2))),
		FileX12835, IngestOptions{Actor: testActor})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if poster.records != 1 {
		t.Errorf("expected ingest to stop after cancellation, got %d calls", poster.records)
	}
}
