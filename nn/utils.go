package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// MaxAbsDiff returns the largest absolute element-wise difference.
func MaxAbsDiff(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	return floats.Distance(a, b, math.Inf(1))
}

// Min returns the smallest element, or 0 for an empty slice.
func Min(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Min(v)
}

// Max returns the largest element, or 0 for an empty slice.
func Max(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Max(v)
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Sum(v) / float64(len(v))
}
