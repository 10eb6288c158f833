package domain

import "github.com/shopspring/decimal"

const (
	// MoneyScale is the number of fractional digits carried by every
	// monetary amount (balances, batch values, allocation values).
	MoneyScale = 2

	// UnitScale is the precision of share/unit quantities.
	UnitScale = 8
)

// MinorUnit is one cent: the smallest representable monetary step and the
// tolerance used by conservation checks.
var MinorUnit = decimal.New(1, -MoneyScale)

// Money rounds d to MoneyScale, half away from zero.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// MustMoney parses a literal amount. Panics on malformed input; use for
// constants and tests only.
func MustMoney(s string) decimal.Decimal {
	return decimal.RequireFromString(s).Round(MoneyScale)
}

// IsNegligible reports whether d is below one minor unit.
func IsNegligible(d decimal.Decimal) bool {
	return d.Abs().LessThan(MinorUnit)
}

// WithinTolerance reports whether a and b differ by at most one minor unit.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MinorUnit)
}

// SumMoney adds amounts exactly.
func SumMoney(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
