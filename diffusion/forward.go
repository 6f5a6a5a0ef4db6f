package diffusion

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"

	"github.com/openfluke/diffwave/nn"
)

// ForwardProcess noises clean samples: x_t = √γ·scale·x0 + √(1-γ)·noise.
// γ comes from the continuous curve or the discrete ᾱ table, whichever the
// model's time mode selects.
type ForwardProcess struct {
	Scale    float64
	Mode     TimeMode
	Steps    int
	gamma    Gamma
	discrete DiscreteGamma
}

// Gamma returns γ for the i-th entry of ts.
func (f *ForwardProcess) Gamma(ts Timesteps, i int) float64 {
	if ts.Mode() == TimeDiscrete {
		return f.discrete.Eval(ts.Step(i))
	}
	return f.gamma.Eval(ts.Time(i))
}

// AddNoise returns x_t for x0 at ts using the given noise draw.
func (f *ForwardProcess) AddNoise(x0 *nn.Tensor, ts Timesteps, noise *nn.Tensor) (*nn.Tensor, error) {
	if !x0.SameShape(noise) {
		return nil, &ShapeError{Op: "add noise", Want: x0.Shape, Got: noise.Shape}
	}
	if err := ts.check(f.Mode, x0.Shape[0], f.Steps); err != nil {
		return nil, err
	}
	xt := nn.NewTensor(x0.Shape...)
	for b := 0; b < x0.Shape[0]; b++ {
		g := f.Gamma(ts, b)
		signal, sigma := math.Sqrt(g)*f.Scale, math.Sqrt(1-g)
		dst, x, n := xt.Row(b), x0.Row(b), noise.Row(b)
		for i := range dst {
			dst[i] = signal*x[i] + sigma*n[i]
		}
	}
	return xt, nil
}

// PredictX0 inverts AddNoise given a noise estimate:
// x0 = (x_t - √(1-γ)·ε) / (√γ·scale).
func (f *ForwardProcess) PredictX0(xt, noisePred *nn.Tensor, ts Timesteps) (*nn.Tensor, error) {
	if !xt.SameShape(noisePred) {
		return nil, &ShapeError{Op: "predict x0", Want: xt.Shape, Got: noisePred.Shape}
	}
	if err := ts.check(f.Mode, xt.Shape[0], f.Steps); err != nil {
		return nil, err
	}
	x0 := nn.NewTensor(xt.Shape...)
	for b := 0; b < xt.Shape[0]; b++ {
		g := f.Gamma(ts, b)
		signal, sigma := math.Sqrt(g)*f.Scale, math.Sqrt(1-g)
		dst, x, e := x0.Row(b), xt.Row(b), noisePred.Row(b)
		for i := range dst {
			dst[i] = (x[i] - sigma*e[i]) / signal
		}
	}
	return x0, nil
}

// SampleTimesteps draws one timestep per example: t ~ U[0,1) in continuous
// mode, n ~ U{minStep, ..., T-1} in discrete mode.
func (f *ForwardProcess) SampleTimesteps(rng *rand.Rand, batch, minStep int) Timesteps {
	if f.Mode == TimeDiscrete {
		steps := make([]int, batch)
		for i := range steps {
			steps[i] = minStep + rng.IntN(f.Steps-minStep)
		}
		return Discrete(steps...)
	}
	times := make([]float64, batch)
	for i := range times {
		times[i] = rng.Float64()
	}
	return Continuous(times...)
}

// previous returns the timesteps one step closer to the clean sample.
func (f *ForwardProcess) previous(ts Timesteps, batch int) Timesteps {
	if ts.Mode() == TimeDiscrete {
		steps := make([]int, batch)
		for i := range steps {
			steps[i] = max(ts.Step(i)-1, 0)
		}
		return Discrete(steps...)
	}
	times := make([]float64, batch)
	for i := range times {
		times[i] = math.Max(ts.Time(i)-1/float64(f.Steps), 0)
	}
	return Continuous(times...)
}

// normalize scales each example to unit standard deviation. Constant
// examples are left unchanged.
func normalize(x *nn.Tensor) *nn.Tensor {
	out := x.Clone()
	for b := 0; b < x.Shape[0]; b++ {
		row := out.Row(b)
		if len(row) < 2 {
			continue
		}
		if sd := stat.StdDev(row, nil); sd > 0 {
			for i := range row {
				row[i] /= sd
			}
		}
	}
	return out
}
