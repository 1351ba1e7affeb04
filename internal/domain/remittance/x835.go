package remittance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rcm/rcm/internal/domain/payment"
	"github.com/rcm/rcm/internal/platform/x12"
)

const x12Date = "20060102"

// bprMethods maps BPR04 payment method codes.
var bprMethods = map[string]payment.Method{
	"CHK": payment.MethodCheck,
	"ACH": payment.MethodACH,
	"FWT": payment.MethodEFT,
	"BOP": payment.MethodOther,
	"NON": payment.MethodOther,
}

func parse835(ctx context.Context, r io.Reader) (*ParseResult, error) {
	ic, err := x12.Parse(r)
	if err != nil {
		var se *x12.SyntaxError
		if errors.As(err, &se) {
			return nil, malformedFile(err)
		}
		return nil, err
	}

	res := newResult()
	for i, set := range ic.Sets() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := i + 1
		if set.Err != nil {
			res.fail(ParseError{Set: n, Line: set.Index, Message: set.Err.Error()})
			continue
		}
		if set.ID != "835" {
			res.fail(ParseError{Set: n, Line: set.Index, Message: fmt.Sprintf("transaction set %s is not a remittance advice", set.ID)})
			continue
		}
		sr := &setReader{n: n, codes: map[string]string{}, p: &payment.Payment{}}
		if err := sr.read(set); err != nil {
			res.fail(*err)
			continue
		}
		res.Payments = append(res.Payments, sr.p)
		res.ParseErrors = append(res.ParseErrors, sr.errs...)
		for code, desc := range sr.codes {
			res.AdjustmentCodes[code] = desc
		}
	}
	return res, nil
}

// setReader builds one payment from the segments of one ST/SE pair. Codes
// are only merged into the result when the set is kept.
type setReader struct {
	n     int
	p     *payment.Payment
	codes map[string]string
	errs  []ParseError

	claim      *payment.RemitClaim
	claimBad   bool
	inPayer    bool
	originator string
	sawBPR     bool
}

func (sr *setReader) setErr(seg x12.Segment, format string, args ...any) *ParseError {
	return &ParseError{Set: sr.n, Line: seg.Index, Reference: sr.p.ReferenceNumber, Message: fmt.Sprintf(format, args...)}
}

// claimErr drops the current claim loop and records why.
func (sr *setReader) claimErr(seg x12.Segment, format string, args ...any) {
	ref := ""
	if sr.claim != nil {
		ref = sr.claim.ClaimNumber
	}
	sr.errs = append(sr.errs, ParseError{Set: sr.n, Line: seg.Index, Reference: ref, Message: fmt.Sprintf(format, args...)})
	sr.claim = nil
	sr.claimBad = true
}

func (sr *setReader) closeClaim() {
	if sr.claim != nil {
		sr.p.RemitClaims = append(sr.p.RemitClaims, *sr.claim)
	}
	sr.claim = nil
	sr.claimBad = false
}

func (sr *setReader) read(set x12.TransactionSet) *ParseError {
	for _, seg := range set.Segments {
		switch seg.ID {
		case "BPR":
			if err := sr.bpr(seg); err != nil {
				return err
			}
		case "TRN":
			sr.p.ReferenceNumber = strings.TrimSpace(seg.Element(2))
			sr.originator = strings.TrimSpace(seg.Element(3))
		case "DTM":
			if err := sr.dtm(seg); err != nil {
				return err
			}
		case "N1":
			sr.inPayer = seg.Element(1) == "PR"
			if sr.inPayer && sr.p.PayerID == "" && seg.Element(4) != "" {
				sr.p.PayerID = strings.TrimSpace(seg.Element(4))
			}
		case "REF":
			if sr.inPayer && seg.Element(1) == "2U" {
				sr.p.PayerID = strings.TrimSpace(seg.Element(2))
			}
		case "LX":
			sr.closeClaim()
		case "CLP":
			sr.closeClaim()
			sr.clp(seg)
		case "CAS":
			sr.cas(seg)
		case "PLB":
			sr.closeClaim()
			if err := sr.plb(seg); err != nil {
				return err
			}
		}
	}
	sr.closeClaim()

	switch {
	case !sr.sawBPR:
		return &ParseError{Set: sr.n, Line: set.Index, Message: "missing BPR payment segment"}
	case sr.p.ReferenceNumber == "":
		return &ParseError{Set: sr.n, Line: set.Index, Message: "missing TRN trace number"}
	case sr.p.PaymentDate.IsZero():
		return &ParseError{Set: sr.n, Line: set.Index, Reference: sr.p.ReferenceNumber, Message: "missing payment date"}
	}
	if sr.p.PayerID == "" {
		sr.p.PayerID = sr.originator
	}
	if sr.p.PayerID == "" {
		return &ParseError{Set: sr.n, Line: set.Index, Reference: sr.p.ReferenceNumber, Message: "missing payer identification"}
	}
	return nil
}

func (sr *setReader) bpr(seg x12.Segment) *ParseError {
	total, err := parseAmount(seg.Element(2))
	if err != nil {
		return sr.setErr(seg, "BPR02: %v", err)
	}
	sr.p.TotalAmount = total
	sr.p.Method = payment.MethodOther
	if m, ok := bprMethods[seg.Element(4)]; ok {
		sr.p.Method = m
	}
	d, err := parseDate(x12Date, seg.Element(16))
	if err != nil {
		return sr.setErr(seg, "BPR16: %v", err)
	}
	if d != nil {
		sr.p.PaymentDate = *d
	}
	sr.sawBPR = true
	return nil
}

// dtm reads the production date (405) at header level and the service or
// statement dates (472, 232) inside a claim loop.
func (sr *setReader) dtm(seg x12.Segment) *ParseError {
	qual := seg.Element(1)
	if sr.claim != nil {
		if qual != "472" && qual != "232" {
			return nil
		}
		d, err := parseDate(x12Date, seg.Element(2))
		if err != nil {
			sr.claimErr(seg, "DTM%s: %v", qual, err)
			return nil
		}
		if sr.claim.ServiceDate == nil {
			sr.claim.ServiceDate = d
		}
		return nil
	}
	if qual != "405" || !sr.p.PaymentDate.IsZero() {
		return nil
	}
	d, err := parseDate(x12Date, seg.Element(2))
	if err != nil {
		return sr.setErr(seg, "DTM405: %v", err)
	}
	if d != nil {
		sr.p.PaymentDate = *d
	}
	return nil
}

func (sr *setReader) clp(seg x12.Segment) {
	rc := &payment.RemitClaim{
		ClaimNumber: strings.TrimSpace(seg.Element(1)),
		StatusCode:  seg.Element(2),
		TrackingID:  strings.TrimSpace(seg.Element(7)),
	}
	sr.claim = rc
	if rc.ClaimNumber == "" {
		sr.claimErr(seg, "CLP01: claim number is missing")
		return
	}
	var err error
	if rc.Billed, err = parseAmount(seg.Element(3)); err != nil {
		sr.claimErr(seg, "CLP03: %v", err)
		return
	}
	if rc.Paid, err = parseAmount(seg.Element(4)); err != nil {
		sr.claimErr(seg, "CLP04: %v", err)
		return
	}
	if rc.PatientResp, err = parseAmount(seg.Element(5)); err != nil {
		sr.claimErr(seg, "CLP05: %v", err)
	}
}

// cas reads up to six reason/amount/quantity triples following the group
// code. Service-level CAS segments roll up into their claim.
func (sr *setReader) cas(seg x12.Segment) {
	if sr.claimBad {
		return
	}
	if sr.claim == nil {
		sr.claimErr(seg, "CAS outside a claim loop")
		sr.claimBad = false
		return
	}
	group := seg.Element(1)
	var adjs []payment.Adjustment
	for i := 2; i+1 < len(seg.Elements) && i <= 17; i += 3 {
		code := strings.TrimSpace(seg.Element(i))
		if code == "" {
			continue
		}
		amount, err := parseAmount(seg.Element(i + 1))
		if err != nil {
			sr.claimErr(seg, "CAS%02d: %v", i+1, err)
			return
		}
		adjs = append(adjs, claimAdjustment(group, code, amount, sr.codes))
	}
	if len(adjs) == 0 {
		sr.claimErr(seg, "CAS carries no adjustment")
		return
	}
	sr.claim.Adjustments = append(sr.claim.Adjustments, adjs...)
}

// plb reads provider level adjustments. The 835 reports amounts withheld
// from the payment as positive; they are stored with the opposite sign so
// that the payment total equals claim payments plus adjustments.
func (sr *setReader) plb(seg x12.Segment) *ParseError {
	for i := 3; i+1 < len(seg.Elements); i += 2 {
		code := seg.Component(i, 1)
		if code == "" {
			continue
		}
		amount, err := parseAmount(seg.Element(i + 1))
		if err != nil {
			return sr.setErr(seg, "PLB%02d: %v", i+1, err)
		}
		desc := describePLB(code)
		if ref := seg.Component(i, 2); ref != "" {
			desc = strings.TrimSpace(desc + " " + ref)
		}
		sr.codes[code] = describePLB(code)
		sr.p.Adjustments = append(sr.p.Adjustments, payment.Adjustment{
			Type:        payment.AdjProviderLevel,
			Code:        code,
			Amount:      amount.Neg(),
			Description: desc,
		})
	}
	return nil
}
