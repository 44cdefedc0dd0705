package monitoring

import "math"

// HistoricalStats maintains a fixed-capacity rolling window of samples
// using Welford's online algorithm for numerically stable mean/variance,
// ported directly from monitoring/aggregator.go's HistoricalStats, which
// already implements exactly this for its own Z-score anomaly detector.
type HistoricalStats struct {
	values []float64
	count  int
	index  int
	mean   float64
	m2     float64
}

// NewHistoricalStats builds a tracker retaining the most recent capacity
// samples.
func NewHistoricalStats(capacity int) *HistoricalStats {
	return &HistoricalStats{values: make([]float64, capacity)}
}

// Add folds value into the running mean/variance, evicting the oldest
// sample once the window is full.
func (hs *HistoricalStats) Add(value float64) {
	if hs.count < len(hs.values) {
		hs.count++
		hs.values[hs.index] = value
		oldMean := hs.mean
		hs.mean += (value - hs.mean) / float64(hs.count)
		hs.m2 += (value - oldMean) * (value - hs.mean)
	} else {
		old := hs.values[hs.index]
		hs.values[hs.index] = value
		oldMean := hs.mean
		hs.mean += (value - old) / float64(hs.count)
		hs.m2 += (value - old) * (value - hs.mean + old - oldMean)
	}

	hs.index = (hs.index + 1) % len(hs.values)
}

// MeanStdDev returns the window's mean and standard deviation. StdDev is 0
// until at least two samples have been recorded.
func (hs *HistoricalStats) MeanStdDev() (mean, stddev float64) {
	if hs.count < 2 {
		return hs.mean, 0
	}
	variance := hs.m2 / float64(hs.count-1)
	return hs.mean, math.Sqrt(variance)
}

// Count reports how many samples are currently retained.
func (hs *HistoricalStats) Count() int {
	return hs.count
}

// ZScore reports how many standard deviations value is from the window's
// current mean. Returns 0 when fewer than two samples exist or variance is
// zero.
func (hs *HistoricalStats) ZScore(value float64) float64 {
	mean, stddev := hs.MeanStdDev()
	if stddev == 0 {
		return 0
	}
	return (value - mean) / stddev
}
