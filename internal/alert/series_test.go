package alert

import (
	"testing"
	"time"
)

func seedSeries(base time.Time, values ...float64) *series {
	s := newSeries()
	for i, v := range values {
		s.Add(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Value: v})
	}
	return s
}

func TestThresholdAboveBelow(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := seedSeries(base, 10, 11, 12)
	now := base.Add(3 * time.Second)

	above := Threshold{Type: ThresholdAbove, Value: 20, TimeWindow: time.Minute, MinDataPoints: 3}
	if !above.Evaluate(s, 25, now) {
		t.Error("expected above(20) to trigger at current=25")
	}
	if above.Evaluate(s, 15, now) {
		t.Error("expected above(20) not to trigger at current=15")
	}

	below := Threshold{Type: ThresholdBelow, Value: 5, TimeWindow: time.Minute, MinDataPoints: 3}
	if !below.Evaluate(s, 1, now) {
		t.Error("expected below(5) to trigger at current=1")
	}
}

func TestThresholdRequiresMinDataPoints(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := seedSeries(base, 10, 11)
	now := base.Add(2 * time.Second)
	th := Threshold{Type: ThresholdAbove, Value: 1, TimeWindow: time.Minute, MinDataPoints: 3}
	if th.Evaluate(s, 100, now) {
		t.Fatal("expected evaluation to fail with only 2 samples when min_data_points=3")
	}
}

func TestThresholdEqualsTolerance(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := seedSeries(base, 1, 1, 1)
	now := base.Add(3 * time.Second)
	eq := Threshold{Type: ThresholdEquals, Value: 72.0, TimeWindow: time.Minute, MinDataPoints: 3}
	if !eq.Evaluate(s, 72.0+1e-12, now) {
		t.Error("expected equals to tolerate float noise below 1e-9")
	}
	if eq.Evaluate(s, 72.1, now) {
		t.Error("expected equals not to trigger at a genuinely different value")
	}
}

func TestThresholdPercentChange(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := seedSeries(base, 100, 100, 100)
	now := base.Add(3 * time.Second)
	pc := Threshold{Type: ThresholdPercentChange, Value: 20, Baseline: BaselineAvg, TimeWindow: time.Minute, MinDataPoints: 3}
	if !pc.Evaluate(s, 130, now) {
		t.Error("expected 30% change to trigger a 20% threshold")
	}
	if pc.Evaluate(s, 110, now) {
		t.Error("expected 10% change not to trigger a 20% threshold")
	}
}

func TestThresholdPercentChangeZeroBaselineNeverTriggers(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := seedSeries(base, 0, 0, 0)
	now := base.Add(3 * time.Second)
	pc := Threshold{Type: ThresholdPercentChange, Value: 1, Baseline: BaselineAvg, TimeWindow: time.Minute, MinDataPoints: 3}
	if pc.Evaluate(s, 50, now) {
		t.Fatal("expected percent_change with zero baseline to never trigger")
	}
}

func TestThresholdTrendUpDown(t *testing.T) {
	base := time.Unix(1700000000, 0)
	up := seedSeries(base, 1, 2, 3, 4, 5)
	now := base.Add(5 * time.Second)
	trendUp := Threshold{Type: ThresholdTrendUp, Sensitivity: 0.5, TimeWindow: time.Minute, MinDataPoints: 3}
	if !trendUp.Evaluate(up, 5, now) {
		t.Error("expected a steadily rising series to trigger trend_up")
	}

	down := seedSeries(base, 5, 4, 3, 2, 1)
	trendDown := Threshold{Type: ThresholdTrendDown, Sensitivity: 0.5, TimeWindow: time.Minute, MinDataPoints: 3}
	if !trendDown.Evaluate(down, 1, now) {
		t.Error("expected a steadily falling series to trigger trend_down")
	}
}

func TestThresholdVolatility(t *testing.T) {
	base := time.Unix(1700000000, 0)
	stable := seedSeries(base, 10, 10, 10, 10)
	now := base.Add(4 * time.Second)
	vol := Threshold{Type: ThresholdVolatility, Value: 0.1, TimeWindow: time.Minute, MinDataPoints: 3}
	if vol.Evaluate(stable, 10, now) {
		t.Error("expected stable series not to trigger volatility")
	}

	noisy := seedSeries(base, 1, 50, 2, 60, 3)
	if !vol.Evaluate(noisy, 3, now) {
		t.Error("expected noisy series to trigger volatility")
	}
}

func TestThresholdOutlier(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := seedSeries(base, 20, 21, 19, 20, 21)
	now := base.Add(5 * time.Second)
	out := Threshold{Type: ThresholdOutlier, Value: 3, TimeWindow: time.Minute, MinDataPoints: 3}
	if out.Evaluate(s, 20, now) {
		t.Error("expected in-distribution value not to trigger outlier")
	}
	if !out.Evaluate(s, 500, now) {
		t.Error("expected wildly off value to trigger outlier")
	}
}

func TestSeriesCompactionCapsSamples(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := newSeries()
	for i := 0; i < maxSeriesSamples+50; i++ {
		s.Add(Sample{Timestamp: base.Add(time.Duration(i) * time.Millisecond), Value: float64(i)})
	}
	if len(s.samples) != maxSeriesSamples {
		t.Fatalf("expected ring capped at %d samples, got %d", maxSeriesSamples, len(s.samples))
	}
	if s.samples[0].Value != 50 {
		t.Errorf("expected oldest 50 samples evicted, got oldest value %v", s.samples[0].Value)
	}
}
