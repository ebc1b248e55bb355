// Package money provides currency-aware decimal arithmetic shared by plan
// prices, invoice totals and gateway amounts.
//
// Amounts are carried as decimal.Decimal in major units (e.g. "5999.00" INR)
// and converted to integer minor units (paise, cents) only at the gateway
// boundary.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount = errors.New("money: amount must not be negative")
	ErrSubMinorAmount = errors.New("money: amount has more precision than the currency allows")
	ErrInvalidAmount  = errors.New("money: invalid amount")
)

var hundred = decimal.NewFromInt(100)

// MinorUnits returns the number of decimal places the currency uses.
func MinorUnits(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "VND", "CLP", "ISK", "UGX":
		return 0
	case "KWD", "BHD", "OMR", "JOD", "TND":
		return 3
	default:
		return 2
	}
}

// Round rounds amount half-up to the currency's minor unit.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// ToMinor converts a major-unit amount into integer minor units
// (e.g. 5999.50 INR → 599950 paise).
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	if amount.IsNegative() {
		return 0, ErrNegativeAmount
	}
	places := MinorUnits(currency)
	if !amount.Equal(amount.Round(places)) {
		return 0, fmt.Errorf("%w: %s %s", ErrSubMinorAmount, amount.String(), currency)
	}
	return amount.Shift(places).IntPart(), nil
}

// FromMinor converts integer minor units back into a major-unit amount.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -MinorUnits(currency))
}

// Parse reads a non-negative decimal string such as "5999" or "5999.00".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return d, nil
}

// Percent returns amount × rate / 100 rounded to the currency's minor unit.
func Percent(amount, rate decimal.Decimal, currency string) decimal.Decimal {
	return Round(amount.Mul(rate).Div(hundred), currency)
}

// Format renders amount with exactly the currency's minor-unit places.
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(MinorUnits(currency))
}
