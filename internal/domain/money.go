package domain

import "github.com/shopspring/decimal"

// MoneyScale is the number of fractional digits kept for monetary values.
const MoneyScale = 2

// RoundMoney normalises a monetary value to two decimal places using
// half-up rounding, matching how amounts are presented on the wire.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}

// MoneyString renders a monetary value with exactly two decimal places.
func MoneyString(v decimal.Decimal) string {
	return v.StringFixed(MoneyScale)
}

// SumLineTotal computes price x quantity rounded to money precision.
func SumLineTotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return RoundMoney(price.Mul(decimal.NewFromInt(int64(quantity))))
}
