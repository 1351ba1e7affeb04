// Package money holds the currency helpers used by claims and payments.
// Amounts are shopspring decimals rounded to cents.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tolerance is the rounding tolerance for currency comparisons.
var Tolerance = decimal.New(1, -2)

// Round rounds d to two decimal places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// IsZero reports whether |d| is below the currency tolerance.
func IsZero(d decimal.Decimal) bool {
	return d.Abs().LessThan(Tolerance)
}

// Equal reports whether a and b are equal within the currency tolerance.
func Equal(a, b decimal.Decimal) bool {
	return IsZero(a.Sub(b))
}

// Sum adds all amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Parse parses a currency string such as "1250.00" or "-35.5".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals in tests and defaults; it panics on error.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// WithinPercent reports whether b is within pct percent of a.
func WithinPercent(a, b decimal.Decimal, pct float64) bool {
	if a.IsZero() {
		return IsZero(b)
	}
	limit := a.Abs().Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	return a.Sub(b).Abs().LessThanOrEqual(limit)
}
