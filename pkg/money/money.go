// Package money provides the shared decimal arithmetic rules used by every
// quantity, price, and limit in the calculation core. No float64 arithmetic
// is permitted on these values; decimal.Decimal with HALF_UP rounding is the
// only representation.
package money

import "github.com/shopspring/decimal"

// Scale is the minimum number of decimal places positions, inventory and
// limit quantities are rounded to.
const Scale = 4

// Zero is the canonical zero value at the system's scale.
var Zero = decimal.NewFromInt(0)

// Round applies HALF_UP rounding at Scale.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundHalfUp(Scale)
}

// Add rounds the sum of two decimals.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Add(b))
}

// Sub rounds the difference of two decimals.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Sub(b))
}

// IsNegative reports whether d is strictly less than zero.
func IsNegative(d decimal.Decimal) bool {
	return d.Sign() < 0
}

// IsZero reports whether d is exactly zero.
func IsZero(d decimal.Decimal) bool {
	return d.Sign() == 0
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
