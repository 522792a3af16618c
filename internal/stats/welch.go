// Package stats holds the significance tests shared by the evolver and the monitor.
package stats

import (
	"math"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Welch returns the Welch two-sample t statistic and its two-sided p-value.
// Each sample needs at least two values. When both samples have zero
// variance p is 1 for equal means and 0 otherwise.
func Welch(a, b []float64) (t, p float64, err error) {
	if len(a) < 2 || len(b) < 2 {
		return 0, 1, faults.Inconclusive("welch needs two values per sample, got %d and %d", len(a), len(b))
	}
	meanA, varA := stat.MeanVariance(a, nil)
	meanB, varB := stat.MeanVariance(b, nil)
	na, nb := float64(len(a)), float64(len(b))

	sa, sb := varA/na, varB/nb
	se := math.Sqrt(sa + sb)
	if se == 0 {
		if meanA == meanB {
			return 0, 1, nil
		}
		return math.Copysign(math.MaxFloat64, meanA-meanB), 0, nil
	}
	t = (meanA - meanB) / se
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p = 2 * (1 - dist.CDF(math.Abs(t)))
	if math.IsNaN(p) || math.IsNaN(t) {
		return 0, 1, faults.Inconclusive("welch statistic undefined")
	}
	p, _ = faults.Clamp01(p)
	return t, p, nil
}

// Mean returns the arithmetic mean, 0 for an empty slice
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
