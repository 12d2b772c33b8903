package reputation

import "math"

// Latency estimator constants. The EWMA tracks the mean; the quantile
// estimate moves up fast toward high outliers and down slowly, approximating
// the 95th percentile of a skewed latency distribution.
const (
	ewmaAlpha   = 0.2
	p95UpGain   = 0.05
	p95DownGain = 0.01
)

// RecordLatency folds one sample into the service's latency estimates. The
// first sample initializes both estimates; every call increments the sample
// counter (saturating) regardless of branch.
func (r *Record) RecordLatency(sampleMs int64) {
	if r.LatencySamples == 0 {
		r.EWMALatencyMs = sampleMs
		r.P95EstMs = sampleMs
	} else {
		ewma := ewmaAlpha*float64(sampleMs) + (1-ewmaAlpha)*float64(r.EWMALatencyMs)
		r.EWMALatencyMs = clampNonNegative(int64(math.Round(ewma)))

		diff := float64(sampleMs - r.P95EstMs)
		gain := p95DownGain
		if diff >= 0 {
			gain = p95UpGain
		}
		r.P95EstMs = clampNonNegative(int64(math.Round(float64(r.P95EstMs) + diff*gain)))
	}
	if r.LatencySamples < math.MaxInt64 {
		r.LatencySamples++
	}
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// satAdd adds without wrapping past the int64 maximum.
func satAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
