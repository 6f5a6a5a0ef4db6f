package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Resample converts mono samples from rate `from` to rate `to` using
// Catmull-Rom cubic interpolation.
func Resample(samples []float64, from, to int) []float64 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		return append([]float64(nil), samples...)
	}
	ratio := float64(from) / float64(to)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float64, n)
	last := len(samples) - 1
	at := func(i int) float64 {
		return samples[max(0, min(i, last))]
	}
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		out[i] = cubic(at(idx-1), at(idx), at(idx+1), at(idx+2), frac)
	}
	return out
}

func cubic(y0, y1, y2, y3, t float64) float64 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	return ((a0*t+a1)*t+a2)*t + y1
}

// NegOneToOne min-max scales samples in place onto [-1, 1]. A constant
// signal maps to all zeros.
func NegOneToOne(samples []float64) {
	if len(samples) == 0 {
		return
	}
	lo, hi := floats.Min(samples), floats.Max(samples)
	if hi == lo {
		for i := range samples {
			samples[i] = 0
		}
		return
	}
	floats.AddConst(-lo, samples)
	floats.Scale(2/(hi-lo), samples)
	floats.AddConst(-1, samples)
}

// Segments slices samples into consecutive windows of length n, dropping
// the incomplete tail. Each window is a fresh copy.
func Segments(samples []float64, n int) [][]float64 {
	if n <= 0 {
		return nil
	}
	var out [][]float64
	for off := 0; off+n <= len(samples); off += n {
		out = append(out, append([]float64(nil), samples[off:off+n]...))
	}
	return out
}
