// Package stats holds the numeric helpers shared by the metric engines.
package stats

import (
	"math"
	"sort"
)

// Triple is the p50/p95/p99 summary of a sample. P50 <= P95 <= P99 always holds.
type Triple struct {
	P50 float64
	P95 float64
	P99 float64
}

// Percentile returns the nearest-rank percentile p (0 < p <= 100) of samples.
// samples must not be empty; it is not modified.
func Percentile(samples []float64, p int) float64 {
	if len(samples) == 0 {
		panic("stats: percentile of empty sample")
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p int) float64 {
	n := len(sorted)
	rank := (p*n + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// Summarize computes the p50/p95/p99 triple of samples with a single sort.
// ok is false for an empty sample.
func Summarize(samples []float64) (t Triple, ok bool) {
	if len(samples) == 0 {
		return Triple{}, false
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return Triple{
		P50: percentileSorted(sorted, 50),
		P95: percentileSorted(sorted, 95),
		P99: percentileSorted(sorted, 99),
	}, true
}

// Rate returns 100*part/total rounded to two decimals, or 0 when total is 0.
func Rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return Round2(100 * float64(part) / float64(total))
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
