// Package money rounds rupee amounts the way prices are shown to users.
package money

import "github.com/shopspring/decimal"

// Round2 rounds v half away from zero to two decimal places.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
// Summation is done in decimal to keep cent-level prices exact.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	f, _ := sum.Div(decimal.NewFromInt(int64(len(values)))).Float64()
	return f
}

// Format renders an amount with the rupee sign and up to two decimals,
// e.g. "₹42.5" or "₹48".
func Format(v float64) string {
	return "₹" + decimal.NewFromFloat(v).Round(2).String()
}
