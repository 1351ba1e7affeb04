package remittance

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/domain/payment"
	"github.com/rcm/rcm/pkg/dates"
)

// CSV remittances carry one claim payment per line. Lines sharing a payer
// and trace number form one payment. Adjustments are written as
// "GROUP-CODE:AMOUNT" entries separated by semicolons.
// Optional columns are payment_method, total_amount, tracking_id,
// claim_status, billed_amount, patient_responsibility, service_date and
// adjustments.
var csvRequired = []string{"payer_id", "trace_number", "payment_date", "claim_number", "paid_amount"}

type csvRow struct {
	line int
	get  func(col string) string
}

type csvGroup struct {
	p     *payment.Payment
	line  int
	total *decimal.Decimal
	paid  decimal.Decimal
	codes map[string]string
	bad   bool
}

func parseCSV(ctx context.Context, r io.Reader) (*ParseResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, malformedFile(errors.New("csv file is empty"))
	}
	if err != nil {
		return nil, malformedFile(err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[strings.ReplaceAll(name, " ", "_")] = i
	}
	var missing []string
	for _, c := range csvRequired {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, malformedFile(fmt.Errorf("csv header is missing columns: %s", strings.Join(missing, ", ")))
	}

	res := newResult()
	groups := map[string]*csvGroup{}
	var order []*csvGroup
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && pe.Err != csv.ErrQuote {
				res.fail(ParseError{Line: pe.Line, Message: pe.Err.Error()})
				continue
			}
			return nil, malformedFile(err)
		}
		if blank(record) {
			continue
		}
		line, _ := cr.FieldPos(0)
		row := csvRow{line: line, get: func(col string) string {
			i, ok := cols[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}}

		payerID, trace := row.get("payer_id"), row.get("trace_number")
		if payerID == "" || trace == "" {
			res.fail(ParseError{Line: line, Reference: trace, Message: "payer_id and trace_number are required"})
			continue
		}
		key := payerID + "\x00" + trace
		g, ok := groups[key]
		if !ok {
			g = &csvGroup{
				p:     &payment.Payment{PayerID: payerID, ReferenceNumber: trace, Method: payment.MethodOther},
				line:  line,
				codes: map[string]string{},
			}
			groups[key] = g
			order = append(order, g)
		}
		if err := g.add(row); err != nil {
			res.fail(ParseError{Line: line, Reference: trace, Message: err.Error()})
		}
	}

	for _, g := range order {
		if g.bad || len(g.p.RemitClaims) == 0 {
			continue
		}
		if g.total != nil {
			g.p.TotalAmount = *g.total
		} else {
			g.p.TotalAmount = g.paid
		}
		res.Payments = append(res.Payments, g.p)
		for code, desc := range g.codes {
			res.AdjustmentCodes[code] = desc
		}
	}
	return res, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// add folds one line into the group. Payment-level columns must agree across
// the group; a line that disagrees, or whose payment date is unreadable,
// spoils the whole payment. Other problems only drop the line.
func (g *csvGroup) add(row csvRow) error {
	if g.bad {
		return nil
	}
	if err := g.header(row); err != nil {
		g.bad = true
		return err
	}

	rc := payment.RemitClaim{
		ClaimNumber: row.get("claim_number"),
		TrackingID:  row.get("tracking_id"),
		StatusCode:  row.get("claim_status"),
	}
	if rc.ClaimNumber == "" {
		return errors.New("claim_number is required")
	}
	var err error
	if rc.Paid, err = parseAmount(row.get("paid_amount")); err != nil {
		return fmt.Errorf("paid_amount: %w", err)
	}
	if rc.Billed, err = parseAmount(row.get("billed_amount")); err != nil {
		return fmt.Errorf("billed_amount: %w", err)
	}
	if rc.PatientResp, err = parseAmount(row.get("patient_responsibility")); err != nil {
		return fmt.Errorf("patient_responsibility: %w", err)
	}
	if s := row.get("service_date"); s != "" {
		d, err := dates.Parse(s)
		if err != nil {
			return fmt.Errorf("service_date: %w", err)
		}
		rc.ServiceDate = d.Ptr()
	}
	codes := map[string]string{}
	if rc.Adjustments, err = parseAdjustments(row.get("adjustments"), codes); err != nil {
		return fmt.Errorf("adjustments: %w", err)
	}

	g.p.RemitClaims = append(g.p.RemitClaims, rc)
	g.paid = g.paid.Add(rc.Paid)
	for code, desc := range codes {
		g.codes[code] = desc
	}
	return nil
}

func (g *csvGroup) header(row csvRow) error {
	d, err := dates.Parse(row.get("payment_date"))
	if err != nil {
		return fmt.Errorf("payment_date: %w", err)
	}
	if g.p.PaymentDate.IsZero() {
		g.p.PaymentDate = d.Time
	} else if !g.p.PaymentDate.Equal(d.Time) {
		return fmt.Errorf("payment_date %s disagrees with line %d", d.Format(dates.Layout), g.line)
	}

	if m := payment.Method(strings.ToLower(row.get("payment_method"))); m != "" {
		if !m.Valid() {
			return fmt.Errorf("unknown payment_method %q", m)
		}
		g.p.Method = m
	}

	if s := row.get("total_amount"); s != "" {
		total, err := parseAmount(s)
		if err != nil {
			return fmt.Errorf("total_amount: %w", err)
		}
		if g.total != nil && !g.total.Equal(total) {
			return fmt.Errorf("total_amount %s disagrees with line %d", total.StringFixed(2), g.line)
		}
		g.total = &total
	}
	return nil
}

func parseAdjustments(s string, codes map[string]string) ([]payment.Adjustment, error) {
	if s == "" {
		return nil, nil
	}
	var out []payment.Adjustment
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		reason, amt, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q is not GROUP-CODE:AMOUNT", entry)
		}
		group, code, ok := strings.Cut(strings.TrimSpace(reason), "-")
		if !ok || group == "" || code == "" {
			return nil, fmt.Errorf("entry %q is not GROUP-CODE:AMOUNT", entry)
		}
		amount, err := parseAmount(strings.TrimSpace(amt))
		if err != nil {
			return nil, err
		}
		out = append(out, claimAdjustment(strings.ToUpper(group), code, amount, codes))
	}
	return out, nil
}
