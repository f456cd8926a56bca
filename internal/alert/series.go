package alert

import (
	"math"
	"sync"
	"time"

	"github.com/hausdata/ingestd/internal/model"
)

// Sample is a single (timestamp, value, metadata) observation ingested
// for a field path.
type Sample struct {
	Timestamp time.Time
	Value     float64
	Metadata  map[string]model.Value
}

// maxSeriesSamples and maxSeriesAge bound a field path's ring to 24h or
// 10 000 samples, whichever binds first.
const (
	maxSeriesSamples = 10000
	maxSeriesAge     = 24 * time.Hour
)

// series is the per-field-path ring of recent samples the threshold
// engine evaluates against.
type series struct {
	mu      sync.Mutex
	samples []Sample
}

func newSeries() *series {
	return &series{}
}

// Add appends s, then compacts: samples older than maxSeriesAge are
// dropped and the ring is capped at maxSeriesSamples (oldest evicted
// first).
func (s *series) Add(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	s.compact(sample.Timestamp)
}

func (s *series) compact(now time.Time) {
	cutoff := now.Add(-maxSeriesAge)
	i := 0
	for i < len(s.samples) && s.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append([]Sample(nil), s.samples[i:]...)
	}
	if over := len(s.samples) - maxSeriesSamples; over > 0 {
		s.samples = append([]Sample(nil), s.samples[over:]...)
	}
}

// Window returns the samples within [now-window, now], oldest first.
func (s *series) Window(now time.Time, window time.Duration) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	out := make([]Sample, 0, len(s.samples))
	for _, sm := range s.samples {
		if !sm.Timestamp.Before(cutoff) && !sm.Timestamp.After(now) {
			out = append(out, sm)
		}
	}
	return out
}

// Latest returns the most recent sample in the series, or (Sample{},
// false) if empty.
func (s *series) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// --- Statistics over a window of samples ---

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// leastSquaresSlope fits values against their index (as a stand-in for
// elapsed time, since samples are evenly-ish spaced within a short
// window) and returns the slope.
func leastSquaresSlope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

func baselineValue(samples []Sample, agg BaselineAggregate) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	switch agg {
	case BaselineLatest:
		return samples[len(samples)-1].Value, true
	case BaselineMin:
		m := samples[0].Value
		for _, s := range samples {
			if s.Value < m {
				m = s.Value
			}
		}
		return m, true
	case BaselineMax:
		m := samples[0].Value
		for _, s := range samples {
			if s.Value > m {
				m = s.Value
			}
		}
		return m, true
	case BaselineSum:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum, true
	default: // BaselineAvg
		vals := make([]float64, len(samples))
		for i, s := range samples {
			vals[i] = s.Value
		}
		return mean(vals), true
	}
}

// equalsTolerance is the absolute tolerance the "equals" and
// "not_equals" threshold types use for float comparison.
const equalsTolerance = 1e-9

// Evaluate applies t to the window of samples ending at now, returning
// whether the threshold condition holds. All threshold types require at
// least t.MinDataPoints (default 3) samples inside the window,
// otherwise evaluation returns false.
func (t Threshold) Evaluate(s *series, current float64, now time.Time) bool {
	minPoints := t.MinDataPoints
	if minPoints <= 0 {
		minPoints = 3
	}
	window := t.TimeWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	samples := s.Window(now, window)
	if len(samples) < minPoints {
		return false
	}

	values := make([]float64, len(samples))
	for i, sm := range samples {
		values[i] = sm.Value
	}

	switch t.Type {
	case ThresholdAbove:
		return current > t.Value
	case ThresholdBelow:
		return current < t.Value
	case ThresholdEquals:
		return math.Abs(current-t.Value) < equalsTolerance
	case ThresholdNotEquals:
		return math.Abs(current-t.Value) >= equalsTolerance
	case ThresholdPercentChange:
		baseline, ok := baselineValue(samples, t.Baseline)
		if !ok || baseline == 0 {
			return false
		}
		pct := math.Abs(current-baseline) / math.Abs(baseline) * 100
		return pct > t.Value
	case ThresholdTrendUp:
		return leastSquaresSlope(values) > t.Sensitivity
	case ThresholdTrendDown:
		return leastSquaresSlope(values) < -t.Sensitivity
	case ThresholdVolatility:
		m := mean(values)
		if m == 0 {
			return false
		}
		return stdev(values)/math.Abs(m) > t.Value
	case ThresholdOutlier:
		sd := stdev(values)
		if sd == 0 {
			return false
		}
		return math.Abs(current-mean(values))/sd > t.Value
	default:
		return false
	}
}
