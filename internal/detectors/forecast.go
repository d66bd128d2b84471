package detectors

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

const (
	smoothingWindow = 5
	forecastFloor   = 0.05
	minForecastFit  = 3
	// maxForecastSpan bounds the gap-filled series to the trailing week of minutes.
	maxForecastSpan = 7 * 24 * 60

	// ForecastModelName labels the model in forecast results.
	ForecastModelName = "linear_regression_with_rolling_avg"
	// ReasonNotEnoughData is reported when fewer than three minutes are available.
	ReasonNotEnoughData = "not_enough_data"
)

// Forecast extrapolates per-minute error counts predictMinutes into the future.
func Forecast(records []models.LogRecord, predictMinutes int) (models.ForecastResult, error) {
	if predictMinutes < 0 {
		return models.ForecastResult{}, fmt.Errorf("%w: predict minutes %d", ErrInvalidParameter, predictMinutes)
	}

	minutes, counts := errorsPerMinute(records)
	if len(minutes) < minForecastFit {
		return models.ForecastResult{OK: false, Reason: ReasonNotEnoughData, Timeline: []models.ForecastPoint{}}, nil
	}

	smoothed := trailingAverage(counts, smoothingWindow)
	xs := make([]float64, len(minutes))
	for i, m := range minutes {
		xs[i] = float64(m)
	}
	slope, intercept, ok := LinearRegression(xs, smoothed)
	if !ok {
		slope, intercept = 0, Mean(smoothed)
	}

	last := minutes[len(minutes)-1]
	timeline := make([]models.ForecastPoint, 0, predictMinutes)
	for i := 1; i <= predictMinutes; i++ {
		m := last + int64(i)
		pred := math.Max(forecastFloor, Round(slope*float64(m)+intercept, 3))
		timeline = append(timeline, models.ForecastPoint{
			Timestamp:           time.Unix(m*60, 0).UTC(),
			PredictedErrorCount: pred,
		})
	}
	return models.ForecastResult{OK: true, Model: ForecastModelName, Timeline: timeline}, nil
}

// errorsPerMinute buckets ERROR/CRITICAL records into unix minutes and fills gaps
// between the first and last bucket with zeros. Only the trailing
// maxForecastSpan minutes are kept, so a stray timestamp far from the rest
// cannot blow up the series.
func errorsPerMinute(records []models.LogRecord) ([]int64, []float64) {
	buckets := make(map[int64]int)
	for _, r := range records {
		if !r.IsError() {
			continue
		}
		buckets[r.Timestamp.UTC().Unix()/60]++
	}
	if len(buckets) == 0 {
		return nil, nil
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	first, last := keys[0], keys[len(keys)-1]
	if last-first+1 > maxForecastSpan {
		first = last - maxForecastSpan + 1
	}
	minutes := make([]int64, 0, last-first+1)
	counts := make([]float64, 0, last-first+1)
	for m := first; m <= last; m++ {
		minutes = append(minutes, m)
		counts = append(counts, float64(buckets[m]))
	}
	return minutes, counts
}

func trailingAverage(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		out[i] = Mean(values[start : i+1])
	}
	return out
}
