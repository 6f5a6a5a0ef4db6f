package diffusion

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/diffwave/nn"
)

// Model bundles a denoiser with the noise process it was built for.
type Model struct {
	Config   Config
	Denoiser *Denoiser
	Process  *ForwardProcess

	logger logrus.FieldLogger
}

// Batch is a set of clean samples [batch][Channels][L] with their
// spectrograms [batch][NMels][frames] (nil for unconditioned models).
type Batch struct {
	Samples      *nn.Tensor
	Conditioning *nn.Tensor
}

type options struct {
	rng    *rand.Rand
	zero   bool
	logger logrus.FieldLogger
}

// Option customises New.
type Option func(*options)

// WithRand sets the source for weight initialisation.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// WithZeroWeights leaves every weight at zero, so the denoiser predicts 0.
func WithZeroWeights() Option {
	return func(o *options) { o.zero = true }
}

// WithLogger routes model and trainer logs to l.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// New validates cfg and builds a model.
func New(cfg Config, opts ...Option) (*Model, error) {
	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := o.rng
	if o.zero {
		rng = nil
	} else if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	gamma, err := NewGamma(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	process := &ForwardProcess{Scale: cfg.Scale, Mode: cfg.TimeMode, Steps: cfg.Steps, gamma: gamma}
	if cfg.TimeMode == TimeDiscrete {
		vs, err := NewVarianceSchedule(cfg.Steps, cfg.BetaStart, cfg.BetaEnd)
		if err != nil {
			return nil, err
		}
		process.discrete = NewDiscreteGamma(vs, cfg.Schedule.ClipMin, cfg.Schedule.ClipMax)
	}

	den, err := NewDenoiser(cfg, rng)
	if err != nil {
		return nil, fmt.Errorf("building denoiser: %w", err)
	}
	m := &Model{Config: cfg, Denoiser: den, Process: process, logger: o.logger}
	m.logger.WithFields(logrus.Fields{
		"blocks":       cfg.ResidualBlocks,
		"channels":     cfg.ResidualChannels,
		"conditioning": cfg.Conditioning,
		"schedule":     cfg.Schedule.Kind.String(),
		"time_mode":    cfg.TimeMode.String(),
		"params":       nn.CountParams(den.Params()),
	}).Debug("model built")
	return m, nil
}

// Params returns the persisted parameters.
func (m *Model) Params() []*nn.Param { return m.Denoiser.Params() }

// Predict runs the denoiser on x_t, normalising the input first when the
// model is configured to.
func (m *Model) Predict(xt *nn.Tensor, ts Timesteps, cond *nn.Tensor) (*nn.Tensor, error) {
	out, _, err := m.predict(xt, ts, cond)
	return out, err
}

func (m *Model) predict(xt *nn.Tensor, ts Timesteps, cond *nn.Tensor) (*nn.Tensor, *forwardCache, error) {
	in := xt
	if m.Config.NormalizeInput {
		in = normalize(xt)
	}
	return m.Denoiser.forward(in, ts, cond)
}

// AddNoise samples fresh noise and returns x_t and the noise used.
func (m *Model) AddNoise(x0 *nn.Tensor, ts Timesteps, rng *rand.Rand) (xt, noise *nn.Tensor, err error) {
	noise = nn.RandN(rng, x0.Shape...)
	xt, err = m.Process.AddNoise(x0, ts, noise)
	return xt, noise, err
}

// ComputeLoss draws timesteps and noise for batch and returns the loss of
// the current weights. Gradients are left untouched.
func (m *Model) ComputeLoss(batch Batch, rng *rand.Rand) (float64, error) {
	res, err := m.loss(batch, rng, false)
	if err != nil {
		return 0, err
	}
	return res.Loss, nil
}

type lossResult struct {
	Loss float64
	// Fractions and PerExample are the normalised time and mean loss of
	// each example.
	Fractions  []float64
	PerExample []float64
}

func (m *Model) loss(batch Batch, rng *rand.Rand, backprop bool) (lossResult, error) {
	x0 := batch.Samples
	if x0 == nil || len(x0.Shape) != 3 {
		var got []int
		if x0 != nil {
			got = x0.Shape
		}
		return lossResult{}, &ShapeError{Op: "batch", Want: []int{-1, m.Config.Channels, -1}, Got: got}
	}
	n := x0.Shape[0]
	minStep := 0
	if m.Config.Predict == PredictSignal && m.Config.TimeMode == TimeDiscrete {
		minStep = 1
	}
	ts := m.Process.SampleTimesteps(rng, n, minStep)
	xt, noise, err := m.AddNoise(x0, ts, rng)
	if err != nil {
		return lossResult{}, err
	}

	target := noise
	if m.Config.Predict == PredictSignal {
		if target, err = m.Process.AddNoise(x0, m.Process.previous(ts, n), noise); err != nil {
			return lossResult{}, err
		}
	}

	pred, cache, err := m.predict(xt, ts, batch.Conditioning)
	if err != nil {
		return lossResult{}, err
	}
	res := lossResult{Fractions: make([]float64, n), PerExample: make([]float64, n)}
	grad := nn.NewTensor(pred.Shape...)
	total := float64(pred.Size())
	per := float64(pred.Size() / n)
	for b := 0; b < n; b++ {
		res.Fractions[b] = ts.Fraction(b, m.Config.Steps)
		p, y, g := pred.Row(b), target.Row(b), grad.Row(b)
		var sum float64
		for i := range p {
			d := p[i] - y[i]
			switch m.Config.Loss {
			case LossL1:
				sum += math.Abs(d)
				g[i] = sign(d) / total
			default:
				sum += d * d
				g[i] = 2 * d / total
			}
		}
		res.Loss += sum / total
		res.PerExample[b] = sum / per
	}
	if backprop {
		if err := m.Denoiser.backward(cache, grad); err != nil {
			return lossResult{}, err
		}
	}
	return res, nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// Save writes the denoiser weights as an F32 safetensors checkpoint.
func (m *Model) Save(path string) error {
	meta := map[string]string{
		"format":    "diffwave",
		"schedule":  m.Config.Schedule.Kind.String(),
		"time_mode": m.Config.TimeMode.String(),
		"predict":   m.Config.Predict.String(),
	}
	if err := nn.SaveParams(path, m.Params(), "F32", meta); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// Load restores weights written by Save. Every parameter must be present
// with a matching shape.
func (m *Model) Load(path string) error {
	meta, err := nn.LoadParams(path, m.Params())
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if p := meta["predict"]; p != "" && p != m.Config.Predict.String() {
		return configErrorf("checkpoint predicts %s, model is configured for %s", p, m.Config.Predict)
	}
	m.logger.WithField("path", path).Info("checkpoint loaded")
	return nil
}
