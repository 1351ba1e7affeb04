// Package remittance turns payer remittance files into payments. X12 835
// files and flat CSV exports are supported. A file whose envelope or header
// is broken is rejected as a whole; a bad payment or claim inside an
// otherwise sound file is reported and skipped.
package remittance

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/domain/payment"
	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/pkg/money"
)

type FileType string

const (
	FileX12835 FileType = "x12-835"
	FileCSV    FileType = "csv"
)

func (t FileType) Valid() bool {
	return t == FileX12835 || t == FileCSV
}

// ParseError is a problem confined to one payment or claim of a file. Set is
// the 1-based payment position; Line is the segment index in an 835 or the
// line number in a CSV.
type ParseError struct {
	Set       int    `json:"set,omitempty"`
	Line      int    `json:"line,omitempty"`
	Reference string `json:"reference,omitempty"`
	Message   string `json:"message"`
}

func (e ParseError) Error() string {
	msg := e.Message
	if e.Reference != "" {
		msg = e.Reference + ": " + msg
	}
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	if e.Set > 0 {
		msg = fmt.Sprintf("payment %d: %s", e.Set, msg)
	}
	return msg
}

// ParseResult holds the payments read from a file, every adjustment reason
// code seen with its description, and the problems skipped along the way.
type ParseResult struct {
	Payments        []*payment.Payment `json:"payments"`
	AdjustmentCodes map[string]string  `json:"adjustment_codes"`
	ParseErrors     []ParseError       `json:"parse_errors"`
}

func newResult() *ParseResult {
	return &ParseResult{
		Payments:        []*payment.Payment{},
		AdjustmentCodes: map[string]string{},
		ParseErrors:     []ParseError{},
	}
}

func (r *ParseResult) fail(e ParseError) {
	r.ParseErrors = append(r.ParseErrors, e)
}

// Parse reads a remittance file of the given type. Envelope and header
// problems fail with a *apperror.ValidationError.
func Parse(ctx context.Context, r io.Reader, fileType FileType) (*ParseResult, error) {
	switch fileType {
	case FileX12835:
		return parse835(ctx, r)
	case FileCSV:
		return parseCSV(ctx, r)
	default:
		return nil, apperror.Validation("file_type", "invalid", fmt.Sprintf("unsupported remittance file type %q", fileType))
	}
}

func malformedFile(err error) *apperror.ValidationError {
	return apperror.Validation("file", "malformed-file", err.Error())
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := money.Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	return money.Round(d), nil
}

func claimAdjustment(group, code string, amount decimal.Decimal, codes map[string]string) payment.Adjustment {
	desc := Describe(code)
	codes[code] = desc
	return payment.Adjustment{
		Type:        payment.AdjustmentTypeForGroup(group),
		Group:       group,
		Code:        code,
		Amount:      amount,
		Description: desc,
	}
}

func parseDate(layout, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", s)
	}
	return &t, nil
}
