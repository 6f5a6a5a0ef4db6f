package diffusion

import (
	"fmt"
	"strings"
)

// ScheduleKind selects the γ(t) curve.
type ScheduleKind int

const (
	ScheduleLinear ScheduleKind = iota
	ScheduleExponential
	ScheduleCosine
)

func (k ScheduleKind) String() string {
	switch k {
	case ScheduleLinear:
		return "linear"
	case ScheduleExponential:
		return "exponential"
	case ScheduleCosine:
		return "cosine"
	default:
		return fmt.Sprintf("ScheduleKind(%d)", int(k))
	}
}

// ParseScheduleKind accepts "linear", "exp"/"exponential" and "cos"/"cosine".
func ParseScheduleKind(s string) (ScheduleKind, error) {
	switch strings.ToLower(s) {
	case "linear":
		return ScheduleLinear, nil
	case "exp", "exponential":
		return ScheduleExponential, nil
	case "cos", "cosine":
		return ScheduleCosine, nil
	}
	return 0, configErrorf("unknown schedule %q", s)
}

// TimeMode fixes how timesteps are represented for a model instance.
type TimeMode int

const (
	// TimeContinuous uses t in [0,1] and the γ curve.
	TimeContinuous TimeMode = iota
	// TimeDiscrete uses integer steps in [0,T) and the β variance schedule.
	TimeDiscrete
)

func (m TimeMode) String() string {
	if m == TimeDiscrete {
		return "discrete"
	}
	return "continuous"
}

func ParseTimeMode(s string) (TimeMode, error) {
	switch strings.ToLower(s) {
	case "", "continuous":
		return TimeContinuous, nil
	case "discrete", "fixed":
		return TimeDiscrete, nil
	}
	return 0, configErrorf("unknown time mode %q", s)
}

// Prediction is what the denoiser is trained to output.
type Prediction int

const (
	// PredictNoise trains the network to recover the injected noise.
	PredictNoise Prediction = iota
	// PredictSignal trains the network to output the sample one step less noisy.
	PredictSignal
)

func (p Prediction) String() string {
	if p == PredictSignal {
		return "signal"
	}
	return "noise"
}

func ParsePrediction(s string) (Prediction, error) {
	switch strings.ToLower(s) {
	case "", "noise":
		return PredictNoise, nil
	case "signal":
		return PredictSignal, nil
	}
	return 0, configErrorf("unknown prediction target %q", s)
}

// Algorithm is the reverse-process transition rule.
type Algorithm int

const (
	AlgorithmDDIM Algorithm = iota
	AlgorithmDDPM
	// AlgorithmDirect feeds the network output straight back in as the
	// next sample. Only valid for signal-predicting models.
	AlgorithmDirect
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmDDIM:
		return "ddim"
	case AlgorithmDDPM:
		return "ddpm"
	case AlgorithmDirect:
		return "direct"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "", "ddim":
		return AlgorithmDDIM, nil
	case "ddpm":
		return AlgorithmDDPM, nil
	case "direct":
		return AlgorithmDirect, nil
	}
	return 0, configErrorf("unknown sampling algorithm %q", s)
}

// LossKind is the reduction used to compare prediction and target.
type LossKind int

const (
	LossL2 LossKind = iota
	LossL1
)

func (l LossKind) String() string {
	if l == LossL1 {
		return "l1"
	}
	return "l2"
}

func ParseLossKind(s string) (LossKind, error) {
	switch strings.ToLower(s) {
	case "", "l2", "mse":
		return LossL2, nil
	case "l1", "mae":
		return LossL1, nil
	}
	return 0, configErrorf("unknown loss %q", s)
}

// ScheduleConfig parameterises a γ curve.
type ScheduleConfig struct {
	Kind ScheduleKind
	// Tau controls the sharpness of the exponential and cosine curves.
	Tau     float64
	ClipMin float64
	ClipMax float64
}

// SamplerConfig configures the reverse process.
type SamplerConfig struct {
	Algorithm Algorithm
	// Eta weights fresh noise in DDIM steps. 0 is deterministic; DDPM
	// ignores it.
	Eta float64
	// TUpper and TLower clamp the continuous trajectory away from the
	// ends of [0,1].
	TUpper, TLower    float64
	ClipLow, ClipHigh float64
}

// Config fixes everything about a model instance. It is read at
// construction and never mutated afterwards.
type Config struct {
	// Channels of the raw sample: 1 for a waveform, C for a C×H×W latent
	// flattened to [C, H·W].
	Channels         int
	ResidualChannels int
	ResidualBlocks   int
	// DilationCycle bounds block dilation to 2^(i mod DilationCycle).
	DilationCycle  int
	EmbeddingWidth int
	// MaxSteps is the number of rows in the sinusoidal embedding table.
	MaxSteps int

	Conditioning    bool
	NMels           int
	UpsampleStrides []int

	Predict Prediction
	// NormalizeInput scales x_t to unit per-example standard deviation
	// before every network call, in training and sampling alike.
	NormalizeInput bool
	UseGPU         bool

	Schedule ScheduleConfig
	TimeMode TimeMode
	// Steps is the number of diffusion steps T.
	Steps              int
	BetaStart, BetaEnd float64
	Scale              float64

	Sampler SamplerConfig
	Loss    LossKind
}

// DefaultConfig returns the waveform model used by the CLI.
func DefaultConfig() Config {
	return Config{
		Channels:         1,
		ResidualChannels: 64,
		ResidualBlocks:   30,
		DilationCycle:    10,
		EmbeddingWidth:   512,
		MaxSteps:         100,
		Conditioning:     true,
		NMels:            128,
		UpsampleStrides:  []int{16, 16},
		Predict:          PredictNoise,
		Schedule: ScheduleConfig{
			Kind:    ScheduleCosine,
			Tau:     0.5,
			ClipMin: 1e-6,
			ClipMax: 0.9999,
		},
		TimeMode:  TimeContinuous,
		Steps:     100,
		BetaStart: 1e-4,
		BetaEnd:   0.02,
		Scale:     1,
		Sampler: SamplerConfig{
			Algorithm: AlgorithmDDIM,
			Eta:       1,
			TUpper:    0.98,
			TLower:    0.002,
			ClipLow:   -1,
			ClipHigh:  1,
		},
		Loss: LossL2,
	}
}

// Validate reports the first inconsistent setting, wrapped in
// ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case c.Channels < 1:
		return configErrorf("channels must be >= 1, got %d", c.Channels)
	case c.ResidualChannels < 1:
		return configErrorf("residual channels must be >= 1, got %d", c.ResidualChannels)
	case c.ResidualBlocks < 1:
		return configErrorf("residual blocks must be >= 1, got %d", c.ResidualBlocks)
	case c.DilationCycle < 1:
		return configErrorf("dilation cycle must be >= 1, got %d", c.DilationCycle)
	case c.EmbeddingWidth < 1:
		return configErrorf("embedding width must be >= 1, got %d", c.EmbeddingWidth)
	case c.MaxSteps < 2:
		return configErrorf("embedding table needs at least 2 rows, got %d", c.MaxSteps)
	case c.Steps < 1:
		return configErrorf("steps must be >= 1, got %d", c.Steps)
	case c.Scale <= 0:
		return configErrorf("scale must be positive, got %g", c.Scale)
	}
	if c.Conditioning {
		if c.NMels < 1 {
			return configErrorf("conditioning needs n_mels >= 1, got %d", c.NMels)
		}
		if len(c.UpsampleStrides) == 0 {
			return configErrorf("conditioning needs at least one upsample stride")
		}
		for _, s := range c.UpsampleStrides {
			if s < 2 || s%2 != 0 {
				return configErrorf("upsample strides must be even and >= 2, got %v", c.UpsampleStrides)
			}
		}
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	if c.TimeMode == TimeDiscrete {
		if c.Steps > c.MaxSteps {
			return configErrorf("discrete steps %d exceed embedding table rows %d", c.Steps, c.MaxSteps)
		}
		if c.Predict == PredictSignal && c.Steps < 2 {
			return configErrorf("signal target needs at least 2 discrete steps")
		}
	}
	return c.Sampler.validate(c.Predict)
}

func (s ScheduleConfig) validate() error {
	switch {
	case s.ClipMin <= 0:
		return configErrorf("clip_min must be positive, got %g", s.ClipMin)
	case s.ClipMax > 1:
		return configErrorf("clip_max must be <= 1, got %g", s.ClipMax)
	case s.ClipMin >= s.ClipMax:
		return configErrorf("clip_min %g must be below clip_max %g", s.ClipMin, s.ClipMax)
	}
	switch s.Kind {
	case ScheduleLinear:
	case ScheduleExponential, ScheduleCosine:
		if s.Tau <= 0 {
			return configErrorf("%s schedule needs tau > 0, got %g", s.Kind, s.Tau)
		}
	default:
		return configErrorf("unknown schedule kind %d", int(s.Kind))
	}
	return nil
}

func (s SamplerConfig) validate(p Prediction) error {
	switch s.Algorithm {
	case AlgorithmDDIM, AlgorithmDDPM:
		if p != PredictNoise {
			return configErrorf("%s sampling needs a noise-predicting model", s.Algorithm)
		}
	case AlgorithmDirect:
		if p != PredictSignal {
			return configErrorf("direct sampling needs a signal-predicting model")
		}
	default:
		return configErrorf("unknown sampling algorithm %d", int(s.Algorithm))
	}
	switch {
	case s.Eta < 0:
		return configErrorf("eta must be >= 0, got %g", s.Eta)
	case s.TLower < 0 || s.TUpper > 1 || s.TLower >= s.TUpper:
		return configErrorf("trajectory bounds need 0 <= t_lower < t_upper <= 1, got [%g, %g]", s.TLower, s.TUpper)
	case s.ClipLow >= s.ClipHigh:
		return configErrorf("clip_low %g must be below clip_high %g", s.ClipLow, s.ClipHigh)
	}
	return nil
}
