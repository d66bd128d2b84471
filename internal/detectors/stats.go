package detectors

import (
	"errors"
	"math"
	"sort"
)

// ErrInvalidParameter marks malformed detector parameters such as negative thresholds.
var ErrInvalidParameter = errors.New("invalid detector parameter")

// Mean is the arithmetic mean; 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PStdev is the population standard deviation.
func PStdev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mu := Mean(values)
	acc := 0.0
	for _, v := range values {
		d := v - mu
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(values)))
}

// ZScores standardises values against their own mean. A zero deviation is floored to 1.
func ZScores(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	mu := Mean(values)
	std := PStdev(values)
	if std == 0 {
		std = 1
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - mu) / std
	}
	return out
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// LinearRegression fits y = slope*x + intercept by ordinary least squares.
// ok is false when fewer than two points are supplied or x has no spread.
func LinearRegression(x, y []float64) (slope, intercept float64, ok bool) {
	n := len(x)
	if n < 2 || n != len(y) {
		return 0, 0, false
	}
	mx, my := Mean(x), Mean(y)
	var sxx, sxy float64
	for i := range x {
		dx := x[i] - mx
		sxx += dx * dx
		sxy += dx * (y[i] - my)
	}
	if sxx == 0 {
		return 0, my, false
	}
	slope = sxy / sxx
	intercept = my - slope*mx
	return slope, intercept, true
}

// percentile uses linear interpolation between closest ranks; p is in [0,100].
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
