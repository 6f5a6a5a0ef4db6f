package diffusion

import (
	"math"
)

// Gamma is a noise schedule γ(t): the fraction of signal variance kept at
// continuous time t ∈ [0,1]. The curve is chosen once by NewGamma and every
// evaluation is clipped into [ClipMin, ClipMax].
type Gamma struct {
	cfg   ScheduleConfig
	curve func(t float64) float64
}

// NewGamma resolves cfg into a bound schedule function.
func NewGamma(cfg ScheduleConfig) (Gamma, error) {
	if err := cfg.validate(); err != nil {
		return Gamma{}, err
	}
	g := Gamma{cfg: cfg}
	switch cfg.Kind {
	case ScheduleLinear:
		g.curve = linearCurve
	case ScheduleExponential:
		g.curve = exponentialCurve(0, 1, cfg.Tau)
	case ScheduleCosine:
		g.curve = cosineCurve(0, 1, cfg.Tau)
	}
	return g, nil
}

// Config returns the parameters the schedule was built from.
func (g Gamma) Config() ScheduleConfig { return g.cfg }

// Eval returns γ(t).
func (g Gamma) Eval(t float64) float64 {
	return clip(g.curve(t), g.cfg.ClipMin, g.cfg.ClipMax)
}

// EvalBatch evaluates γ at every t.
func (g Gamma) EvalBatch(ts []float64) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = g.Eval(t)
	}
	return out
}

func linearCurve(t float64) float64 {
	return 1 - t
}

func exponentialCurve(start, end, tau float64) func(float64) float64 {
	vStart := math.Exp(-start * tau)
	vEnd := math.Exp(-end * tau)
	return func(t float64) float64 {
		v := math.Exp(-t * tau)
		return (vEnd - v) / (vEnd - vStart)
	}
}

func cosineCurve(start, end, tau float64) func(float64) float64 {
	vStart := math.Pow(math.Cos(start*math.Pi/2), 2*tau)
	vEnd := math.Pow(math.Cos(end*math.Pi/2), 2*tau)
	return func(t float64) float64 {
		v := math.Pow(math.Cos((t*(end-start)+start)*math.Pi/2), 2*tau)
		return (vEnd - v) / (vEnd - vStart)
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// VarianceSchedule is the discrete-time alternative to Gamma: β linearly
// spaced over T steps, with α = 1-β and the cumulative product ᾱ derived
// once at construction.
type VarianceSchedule struct {
	betas     []float64
	alphas    []float64
	alphaBars []float64
}

// NewVarianceSchedule builds β = linspace(start, end, steps). Every β must
// lie strictly inside (0,1).
func NewVarianceSchedule(steps int, start, end float64) (*VarianceSchedule, error) {
	if steps < 1 {
		return nil, configErrorf("variance schedule needs at least one step, got %d", steps)
	}
	for _, b := range []float64{start, end} {
		if b <= 0 || b >= 1 {
			return nil, configErrorf("variance bounds must lie in (0,1), got [%g, %g]", start, end)
		}
	}
	vs := &VarianceSchedule{
		betas:     make([]float64, steps),
		alphas:    make([]float64, steps),
		alphaBars: make([]float64, steps),
	}
	prod := 1.0
	for i := range vs.betas {
		b := start
		if steps > 1 {
			b = start + (end-start)*float64(i)/float64(steps-1)
		}
		vs.betas[i] = b
		vs.alphas[i] = 1 - b
		prod *= 1 - b
		vs.alphaBars[i] = prod
	}
	return vs, nil
}

// Len returns T.
func (vs *VarianceSchedule) Len() int { return len(vs.betas) }

func (vs *VarianceSchedule) Beta(n int) float64     { return vs.betas[n] }
func (vs *VarianceSchedule) Alpha(n int) float64    { return vs.alphas[n] }
func (vs *VarianceSchedule) AlphaBar(n int) float64 { return vs.alphaBars[n] }

// DiscreteGamma adapts a variance schedule to the γ interface used by the
// forward process and sampler: γ(n) = ᾱ[n], clipped like the continuous
// curves.
type DiscreteGamma struct {
	vs               *VarianceSchedule
	clipMin, clipMax float64
}

func NewDiscreteGamma(vs *VarianceSchedule, clipMin, clipMax float64) DiscreteGamma {
	return DiscreteGamma{vs: vs, clipMin: clipMin, clipMax: clipMax}
}

// Eval returns the clipped ᾱ[n].
func (d DiscreteGamma) Eval(n int) float64 {
	return clip(d.vs.AlphaBar(n), d.clipMin, d.clipMax)
}
