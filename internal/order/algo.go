package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// sliceSpec is one planned child submission: qty shares at delay after the
// schedule starts.
type sliceSpec struct {
	delay time.Duration
	qty   decimal.Decimal
}

// twapSlices splits qty into n equal MARKET children spaced uniformly across
// horizon, first child immediate. Rounding remainder lands on the last child.
// Zero-quantity slices are elided.
func twapSlices(qty decimal.Decimal, n int, horizon time.Duration) []sliceSpec {
	if n <= 0 {
		n = 1
	}
	interval := horizon / time.Duration(n)
	base := qty.Div(decimal.NewFromInt(int64(n))).Floor()

	out := make([]sliceSpec, 0, n)
	allocated := decimal.Zero
	for i := 0; i < n; i++ {
		q := base
		if i == n-1 {
			q = qty.Sub(allocated)
		}
		allocated = allocated.Add(q)
		if q.IsPositive() {
			out = append(out, sliceSpec{delay: time.Duration(i) * interval, qty: q})
		}
	}
	return out
}

// uShapeWeights is the static intraday volume profile: heavy at the open and
// close, light midday. Normalized to sum to 1.
func uShapeWeights(n int) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{decimal.NewFromInt(1)}
	}
	raw := make([]decimal.Decimal, n)
	total := decimal.Zero
	two := decimal.NewFromInt(2)
	span := decimal.NewFromInt(int64(n - 1))
	for i := 0; i < n; i++ {
		// x in [-1, 1]; weight 1 + 2x^2 gives a 3:1 edge-to-middle ratio.
		x := decimal.NewFromInt(int64(2*i - (n - 1))).Div(span)
		raw[i] = decimal.NewFromInt(1).Add(two.Mul(x).Mul(x))
		total = total.Add(raw[i])
	}
	for i := range raw {
		raw[i] = raw[i].Div(total)
	}
	return raw
}

// vwapSlices splits qty across n uniform intervals weighted by the static
// volume profile. Rounding remainder lands on the last child.
func vwapSlices(qty decimal.Decimal, n int, horizon time.Duration) []sliceSpec {
	if n <= 0 {
		n = 1
	}
	interval := horizon / time.Duration(n)
	weights := uShapeWeights(n)

	out := make([]sliceSpec, 0, n)
	allocated := decimal.Zero
	for i := 0; i < n; i++ {
		var q decimal.Decimal
		if i == n-1 {
			q = qty.Sub(allocated)
		} else {
			q = qty.Mul(weights[i]).Floor()
		}
		allocated = allocated.Add(q)
		if q.IsPositive() {
			out = append(out, sliceSpec{delay: time.Duration(i) * interval, qty: q})
		}
	}
	return out
}

// isSlices is the implementation-shortfall plan: an immediate child sized by
// urgency, then the remainder on a TWAP across the rest of the horizon.
func isSlices(qty decimal.Decimal, urgency float64, n int, horizon time.Duration) []sliceSpec {
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 1 {
		urgency = 1
	}
	immediate := qty.Mul(decimal.NewFromFloat(urgency)).Floor()
	rest := qty.Sub(immediate)

	var out []sliceSpec
	if immediate.IsPositive() {
		out = append(out, sliceSpec{delay: 0, qty: immediate})
	}
	if !rest.IsPositive() {
		return out
	}
	if n <= 1 {
		n = 2
	}
	// Spread the remainder over n-1 later intervals.
	interval := horizon / time.Duration(n)
	for _, s := range twapSlices(rest, n-1, horizon-interval) {
		out = append(out, sliceSpec{delay: s.delay + interval, qty: s.qty})
	}
	return out
}

// povChildQty sizes one participation-rate child:
// min(remaining, recentVolume x targetRate), floored to whole shares.
func povChildQty(remaining, recentVolume decimal.Decimal, targetRate float64) decimal.Decimal {
	if targetRate <= 0 || !recentVolume.IsPositive() {
		return decimal.Zero
	}
	q := recentVolume.Mul(decimal.NewFromFloat(targetRate)).Floor()
	if q.GreaterThan(remaining) {
		return remaining
	}
	return q
}
