package diffusion

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/diffwave/nn"
)

// Sampler runs the reverse process from a noise seed to a clean sample.
// It holds no per-call state, so one Sampler may serve concurrent calls.
type Sampler struct {
	model *Model
	cfg   SamplerConfig
	sink  StepSink
}

// SamplerOption customises NewSampler.
type SamplerOption func(*Sampler)

// WithSink adds a per-step sink. Several sinks are called in order.
func WithSink(sink StepSink) SamplerOption {
	return func(s *Sampler) {
		switch cur := s.sink.(type) {
		case nil:
			s.sink = sink
		case multiSink:
			s.sink = append(cur, sink)
		default:
			s.sink = multiSink{cur, sink}
		}
	}
}

// WithSamplerConfig overrides the model's sampler settings.
func WithSamplerConfig(cfg SamplerConfig) SamplerOption {
	return func(s *Sampler) { s.cfg = cfg }
}

// NewSampler checks that the algorithm suits the model's prediction target.
func NewSampler(m *Model, opts ...SamplerOption) (*Sampler, error) {
	s := &Sampler{model: m, cfg: m.Config.Sampler}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.validate(m.Config.Predict); err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the sampler settings in effect.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

type stepTimes struct {
	ts          Timesteps
	tNow, tNext float64
	gNow, gNext float64
}

// times returns the trajectory position of step n, counted from the
// noisiest end.
func (s *Sampler) times(n, batch int) stepTimes {
	steps := s.model.Config.Steps
	p := s.model.Process
	if s.model.Config.TimeMode == TimeDiscrete {
		idx := steps - 1 - n
		st := stepTimes{ts: Discrete(idx), tNow: float64(idx), tNext: float64(idx - 1), gNow: p.discrete.Eval(idx), gNext: s.model.Config.Schedule.ClipMax}
		if idx > 0 {
			st.gNext = p.discrete.Eval(idx - 1)
		}
		return st
	}
	tNow := math.Min(1-float64(n)/float64(steps), s.cfg.TUpper)
	tNext := math.Max(tNow-1/float64(steps), s.cfg.TLower)
	return stepTimes{
		ts:    Continuous(tNow),
		tNow:  tNow,
		tNext: tNext,
		gNow:  p.gamma.Eval(tNow),
		gNext: p.gamma.Eval(tNext),
	}
}

// Sample denoises seed [batch][Channels][L] over every configured step and
// returns the final estimate. Both the clean-sample estimate and the next
// sample are clipped to [ClipLow, ClipHigh] at every step, before they feed
// the following step. cond is required exactly when the model is
// conditioned. rng supplies fresh noise for stochastic steps; nil uses a
// randomly seeded source. Sample returns ctx.Err() if the context ends
// between steps.
func (s *Sampler) Sample(ctx context.Context, seed, cond *nn.Tensor, rng *rand.Rand) (*nn.Tensor, error) {
	cfg := s.model.Config
	if len(seed.Shape) != 3 || seed.Shape[1] != cfg.Channels {
		return nil, &ShapeError{Op: "sample seed", Want: []int{-1, cfg.Channels, -1}, Got: seed.Shape}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	log := s.model.logger.WithFields(logrus.Fields{
		"algorithm": s.cfg.Algorithm.String(),
		"steps":     cfg.Steps,
		"shape":     seed.Shape,
	})
	log.Debug("sampling started")

	var out *nn.Tensor
	var err error
	if s.cfg.Algorithm == AlgorithmDirect {
		out, err = s.sampleDirect(ctx, seed, cond)
	} else {
		out, err = s.sampleNoise(ctx, seed, cond, rng)
	}
	if err != nil {
		return nil, err
	}
	log.Debug("sampling finished")
	return out, nil
}

func (s *Sampler) sampleNoise(ctx context.Context, seed, cond *nn.Tensor, rng *rand.Rand) (*nn.Tensor, error) {
	steps := s.model.Config.Steps
	scale := s.model.Config.Scale
	batch := seed.Shape[0]

	x := seed
	for n := 0; n < steps; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := s.times(n, batch)
		noisePred, err := s.model.Predict(x, st.ts, cond)
		if err != nil {
			return nil, err
		}
		if !noisePred.SameShape(x) {
			return nil, &ShapeError{Op: "noise prediction", Want: x.Shape, Got: noisePred.Shape}
		}

		predX0 := nn.NewTensor(x.Shape...)
		sigmaNow, signalNow := math.Sqrt(1-st.gNow), math.Sqrt(st.gNow)*scale
		for i, v := range x.Data {
			predX0.Data[i] = (v - sigmaNow*noisePred.Data[i]) / signalNow
		}
		predX0.Clip(s.cfg.ClipLow, s.cfg.ClipHigh)

		final := n == steps-1
		if final {
			s.emit(StepState{Step: n, Steps: steps, TNow: st.tNow, TNext: st.tNext,
				GammaNow: st.gNow, GammaNext: st.gNext, X: predX0, PredX0: predX0, Final: true})
			return predX0, nil
		}

		var next *nn.Tensor
		if s.cfg.Algorithm == AlgorithmDDPM {
			next = ddpmStep(predX0, st.gNext, scale, rng)
		} else {
			next = ddimStep(predX0, noisePred, st.gNow, st.gNext, scale, s.cfg.Eta, rng)
		}
		next.Clip(s.cfg.ClipLow, s.cfg.ClipHigh)

		s.emit(StepState{Step: n, Steps: steps, TNow: st.tNow, TNext: st.tNext,
			GammaNow: st.gNow, GammaNext: st.gNext, X: next, PredX0: predX0})
		x = next
	}
	return x, nil
}

// ddimStep moves to γ_next keeping a share of the predicted noise;
// eta controls how much of the remainder is fresh noise.
func ddimStep(predX0, noisePred *nn.Tensor, gNow, gNext, scale, eta float64, rng *rand.Rand) *nn.Tensor {
	c1, c2 := ddimCoefficients(gNow, gNext, eta)
	next := nn.NewTensor(predX0.Shape...)
	signalNext := math.Sqrt(gNext) * scale
	for i := range next.Data {
		next.Data[i] = signalNext*predX0.Data[i] + c2*noisePred.Data[i]
	}
	if c1 > 0 {
		for i := range next.Data {
			next.Data[i] += c1 * rng.NormFloat64()
		}
	}
	return next
}

// ddpmStep re-noises the clean estimate to γ_next with fresh noise only:
// x_next = √γ_next·scale·pred_x0 + √(1-γ_next)·z.
func ddpmStep(predX0 *nn.Tensor, gNext, scale float64, rng *rand.Rand) *nn.Tensor {
	next := nn.NewTensor(predX0.Shape...)
	signalNext, sigmaNext := math.Sqrt(gNext)*scale, math.Sqrt(1-gNext)
	for i := range next.Data {
		next.Data[i] = signalNext*predX0.Data[i] + sigmaNext*rng.NormFloat64()
	}
	return next
}

// ddimCoefficients returns the fresh-noise weight c1 and the predicted
// noise weight c2 for a step from γ_now to γ_next.
func ddimCoefficients(gNow, gNext, eta float64) (c1, c2 float64) {
	if 1-gNow > 0 && gNext > 0 {
		c1 = eta * math.Sqrt(math.Max(0, (1-gNow/gNext)*(1-gNext)/(1-gNow)))
	}
	c2 = math.Sqrt(math.Max(0, 1-gNext-c1*c1))
	return c1, c2
}

// sampleDirect feeds each prediction back as the next input. In discrete
// mode it walks steps T-1..1, since step 0 has no less-noisy target.
func (s *Sampler) sampleDirect(ctx context.Context, seed, cond *nn.Tensor) (*nn.Tensor, error) {
	steps := s.model.Config.Steps
	if s.model.Config.TimeMode == TimeDiscrete {
		steps--
	}
	batch := seed.Shape[0]
	x := seed
	for n := 0; n < steps; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := s.times(n, batch)
		next, err := s.model.Predict(x, st.ts, cond)
		if err != nil {
			return nil, err
		}
		if !next.SameShape(x) {
			return nil, &ShapeError{Op: "signal prediction", Want: x.Shape, Got: next.Shape}
		}
		next.Clip(s.cfg.ClipLow, s.cfg.ClipHigh)
		s.emit(StepState{Step: n, Steps: steps, TNow: st.tNow, TNext: st.tNext,
			GammaNow: st.gNow, GammaNext: st.gNext, X: next, Final: n == steps-1})
		x = next
	}
	return x, nil
}

func (s *Sampler) emit(st StepState) {
	if s.sink != nil {
		s.sink.OnStep(st)
	}
}
