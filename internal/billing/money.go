package billing

import "github.com/shopspring/decimal"

const (
	percentageScale int32 = 2
	quantityScale   int32 = 3
	valueScale      int32 = 2
	// divisionScale bounds intermediate quotients before the final rounding.
	divisionScale int32 = 12
)

var (
	hundred = decimal.NewFromInt(100)

	quantityTolerance = decimal.RequireFromString("0.002")
	valueTolerance    = decimal.RequireFromString("0.02")
)

func roundPercentage(d decimal.Decimal) decimal.Decimal { return d.Round(percentageScale) }

func roundQuantity(d decimal.Decimal) decimal.Decimal { return d.Round(quantityScale) }

func roundValue(d decimal.Decimal) decimal.Decimal { return d.Round(valueScale) }

func exceeds(diff, tolerance decimal.Decimal) bool {
	return diff.Abs().GreaterThan(tolerance)
}
