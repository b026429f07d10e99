package gateway

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ToMinor converts a major-unit amount to minor units (cents, paise).
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinor converts minor units back to a two-decimal amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(hundred).Round(2)
}
