package riglocalizer

// RunStatistics accumulates per-frame localization latencies, in milliseconds.
// The zero value is ready to use.
type RunStatistics struct {
	count int
	sum   float64
	min   float64
	max   float64
}

// LatencySummary is a snapshot of RunStatistics.
type LatencySummary struct {
	Count int
	Sum   float64
	Mean  float64
	Min   float64
	Max   float64
}

// Record adds one latency sample.
func (s *RunStatistics) Record(latencyMs float64) {
	if s.count == 0 || latencyMs < s.min {
		s.min = latencyMs
	}
	if s.count == 0 || latencyMs > s.max {
		s.max = latencyMs
	}
	s.sum += latencyMs
	s.count++
}

// Count returns the number of recorded samples.
func (s RunStatistics) Count() int {
	return s.count
}

// Summary returns the aggregated samples. ok is false when nothing was recorded.
func (s RunStatistics) Summary() (summary LatencySummary, ok bool) {
	if s.count == 0 {
		return LatencySummary{}, false
	}
	return LatencySummary{
		Count: s.count,
		Sum:   s.sum,
		Mean:  s.sum / float64(s.count),
		Min:   s.min,
		Max:   s.max,
	}, true
}
