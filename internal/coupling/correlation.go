package coupling

import (
	"math"
	"sort"
	"time"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"gonum.org/v1/gonum/stat"
)

// Correlation is the Pearson coefficient between two bucketed series
type Correlation struct {
	A             MetricRef `json:"a"`
	B             MetricRef `json:"b"`
	Value         float64   `json:"value"`
	Buckets       int       `json:"buckets"`
	LowConfidence bool      `json:"low_confidence"`
}

// bucketize averages samples into width-wide buckets starting at from
func bucketize(samples []Sample, from time.Time, width time.Duration) map[int64]float64 {
	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	for _, s := range samples {
		if s.Timestamp.Before(from) || !faults.Finite(s.Value) {
			continue
		}
		b := int64(s.Timestamp.Sub(from) / width)
		sums[b] += s.Value
		counts[b]++
	}
	for b := range sums {
		sums[b] /= float64(counts[b])
	}
	return sums
}

// Correlate aligns a and b into buckets over [from, to] and computes
// Pearson's r over buckets present in both. Fewer than minBuckets aligned
// buckets, or an undefined coefficient, yields 0 flagged low-confidence.
func Correlate(refA, refB MetricRef, a, b []Sample, from, to time.Time, width time.Duration, minBuckets int) Correlation {
	out := Correlation{A: refA, B: refB, LowConfidence: true}
	if width <= 0 || !to.After(from) {
		return out
	}
	inRange := func(in []Sample) []Sample {
		var kept []Sample
		for _, s := range in {
			if !s.Timestamp.After(to) {
				kept = append(kept, s)
			}
		}
		return kept
	}
	ba := bucketize(inRange(a), from, width)
	bb := bucketize(inRange(b), from, width)

	keys := make([]int64, 0, len(ba))
	for k := range ba {
		if _, ok := bb[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out.Buckets = len(keys)
	if len(keys) < max(minBuckets, 2) {
		return out
	}

	x := make([]float64, len(keys))
	y := make([]float64, len(keys))
	for i, k := range keys {
		x[i], y[i] = ba[k], bb[k]
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return out
	}
	out.Value, _ = faults.Clamp(r, -1, 1)
	out.LowConfidence = false
	return out
}
