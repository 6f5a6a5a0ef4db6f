package diffusion

import (
	"math"
	"slices"
)

// Timesteps is a batch of diffusion times in one representation: integer
// steps for discrete-time models or fractions in [0,1] for continuous-time
// models. A single entry is broadcast across the batch.
type Timesteps struct {
	mode  TimeMode
	steps []int
	times []float64
}

// Discrete builds integer timesteps.
func Discrete(steps ...int) Timesteps {
	return Timesteps{mode: TimeDiscrete, steps: slices.Clone(steps)}
}

// Continuous builds fractional timesteps in [0,1].
func Continuous(times ...float64) Timesteps {
	return Timesteps{mode: TimeContinuous, times: slices.Clone(times)}
}

func (ts Timesteps) Mode() TimeMode { return ts.mode }

func (ts Timesteps) Len() int {
	if ts.mode == TimeDiscrete {
		return len(ts.steps)
	}
	return len(ts.times)
}

// Step returns the i-th discrete step, broadcasting a single entry.
func (ts Timesteps) Step(i int) int {
	if len(ts.steps) == 1 {
		return ts.steps[0]
	}
	return ts.steps[i]
}

// Time returns the i-th continuous time, broadcasting a single entry.
func (ts Timesteps) Time(i int) float64 {
	if len(ts.times) == 1 {
		return ts.times[0]
	}
	return ts.times[i]
}

// Fraction maps the i-th entry onto [0,1] for loss binning.
func (ts Timesteps) Fraction(i, steps int) float64 {
	if ts.mode == TimeDiscrete {
		return float64(ts.Step(i)) / float64(steps)
	}
	return ts.Time(i)
}

// check verifies ts matches the model's time mode, covers batch entries
// and stays in range.
func (ts Timesteps) check(mode TimeMode, batch, steps int) error {
	if ts.mode != mode {
		return configErrorf("%s timesteps passed to a %s-time model", ts.mode, mode)
	}
	n := ts.Len()
	if n != 1 && n != batch {
		return &ShapeError{Op: "timesteps", Want: []int{batch}, Got: []int{n}}
	}
	if n == 0 {
		return &ShapeError{Op: "timesteps", Want: []int{batch}, Got: []int{0}}
	}
	if mode == TimeDiscrete {
		for _, s := range ts.steps {
			if s < 0 || s >= steps {
				return configErrorf("discrete step %d outside [0, %d)", s, steps)
			}
		}
		return nil
	}
	for _, t := range ts.times {
		if math.IsNaN(t) || t < 0 || t > 1 {
			return configErrorf("continuous time %g outside [0, 1]", t)
		}
	}
	return nil
}
