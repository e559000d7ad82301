package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are carried as int64 minor units. One credit is UnitsPerCredit units.
const (
	AmountScale    = 2
	UnitsPerCredit = 100
)

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// ParseAmount converts a decimal credit amount such as "10" or "12.50" into
// minor units. Zero, negative, over-precise and overflowing values are
// rejected with ErrInvalidAmount.
func ParseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, raw)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a credit amount into minor units.
func AmountFromDecimal(d decimal.Decimal) (int64, error) {
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	units := d.Shift(AmountScale)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: at most %d decimal places are allowed", ErrInvalidAmount, AmountScale)
	}
	if units.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: amount is too large", ErrInvalidAmount)
	}
	return units.IntPart(), nil
}

// AmountToDecimal renders minor units as a credit amount.
func AmountToDecimal(units int64) decimal.Decimal {
	return decimal.New(units, -AmountScale)
}

// FormatAmount renders minor units with exactly AmountScale decimals.
func FormatAmount(units int64) string {
	return AmountToDecimal(units).StringFixed(AmountScale)
}
