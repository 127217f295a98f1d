package intent

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
	decimalEps = decimal.NewFromFloat(1e-9)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }

// relativeTarget computes entry*(1+pct) for longs and entry*(1-pct) for shorts
// without accumulating float drift.
func relativeTarget(entry, pct float64, short bool) float64 {
	if entry <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	pctDec := decFromFloat(pct)
	factor := decOne.Add(pctDec)
	if short {
		factor = decOne.Sub(pctDec)
	}
	return decToFloat(base.Mul(factor))
}

// quantityFor returns sizePct percent of remaining.
func quantityFor(remaining, sizePct float64) float64 {
	if remaining <= 0 || sizePct <= 0 {
		return 0
	}
	qty := decFromFloat(remaining).Mul(decFromFloat(sizePct)).Div(decHundred)
	return decToFloat(qty)
}

// subtractQuantity decrements remaining by qty, clamping dust to exact zero.
func subtractQuantity(remaining, qty float64) float64 {
	left := decFromFloat(remaining).Sub(decFromFloat(qty))
	if left.Cmp(decimalEps) <= 0 {
		return 0
	}
	return decToFloat(left)
}
