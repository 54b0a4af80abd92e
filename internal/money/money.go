// Package money holds the fixed-point helpers used for every amount in the
// ledger. Amounts are shopspring decimals rounded to cents.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every stored amount carries.
const Places = 2

var (
	ErrInvalid  = errors.New("money: invalid amount")
	ErrNegative = errors.New("money: amount must not be negative")
	ErrTooFine  = errors.New("money: amount has more than two decimals")
)

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse parses a non-negative amount with at most two decimals.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	return d, Validate(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: MustParse(" + s + "): " + err.Error())
	}
	return d
}

// Validate checks that d is non-negative and representable in cents.
func Validate(d decimal.Decimal) error {
	if d.IsNegative() {
		return ErrNegative
	}
	if !d.Equal(d.Round(Places)) {
		return ErrTooFine
	}
	return nil
}

// Round rounds half away from zero to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Format renders d with exactly two decimals.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Percent returns round(amount * pct / 100, 2).
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).DivRound(hundred, Places)
}

// Prorate returns round(amount * num / den, 2), or zero when den is not
// positive.
func Prorate(amount, num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(num).DivRound(den, Places)
}

// SubFloor returns max(0, a - b).
func SubFloor(a, b decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, a.Sub(b))
}

// Sum adds all amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
