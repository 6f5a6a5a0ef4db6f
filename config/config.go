// Package config loads diffwave settings from a file, DIFFWAVE_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openfluke/diffwave/audio"
	"github.com/openfluke/diffwave/diffusion"
)

const EnvPrefix = "DIFFWAVE"

type ModelConfig struct {
	Channels         int    `mapstructure:"channels"`
	ResidualChannels int    `mapstructure:"residual_channels"`
	ResidualBlocks   int    `mapstructure:"residual_blocks"`
	DilationCycle    int    `mapstructure:"dilation_cycle"`
	EmbeddingWidth   int    `mapstructure:"embedding_width"`
	MaxSteps         int    `mapstructure:"max_steps"`
	Conditioning     bool   `mapstructure:"conditioning"`
	NMels            int    `mapstructure:"n_mels"`
	UpsampleStrides  []int  `mapstructure:"upsample_strides"`
	Predict          string `mapstructure:"predict"`
	NormalizeInput   bool   `mapstructure:"normalize_input"`
	GPU              bool   `mapstructure:"gpu"`
}

type ScheduleConfig struct {
	Kind      string  `mapstructure:"kind"`
	Tau       float64 `mapstructure:"tau"`
	ClipMin   float64 `mapstructure:"clip_min"`
	ClipMax   float64 `mapstructure:"clip_max"`
	TimeMode  string  `mapstructure:"time_mode"`
	Steps     int     `mapstructure:"steps"`
	BetaStart float64 `mapstructure:"beta_start"`
	BetaEnd   float64 `mapstructure:"beta_end"`
	Scale     float64 `mapstructure:"scale"`
}

type SamplerConfig struct {
	Algorithm string  `mapstructure:"algorithm"`
	Eta       float64 `mapstructure:"eta"`
	TUpper    float64 `mapstructure:"t_upper"`
	TLower    float64 `mapstructure:"t_lower"`
	ClipLow   float64 `mapstructure:"clip_low"`
	ClipHigh  float64 `mapstructure:"clip_high"`
}

type TrainConfig struct {
	Loss               string  `mapstructure:"loss"`
	Optimizer          string  `mapstructure:"optimizer"`
	LearningRate       float64 `mapstructure:"learning_rate"`
	LRSchedule         string  `mapstructure:"lr_schedule"`
	WarmupSteps        int     `mapstructure:"warmup_steps"`
	BatchSize          int     `mapstructure:"batch_size"`
	Epochs             int     `mapstructure:"epochs"`
	ValidationFraction float64 `mapstructure:"validation_fraction"`
	Checkpoint         string  `mapstructure:"checkpoint"`
	Resume             bool    `mapstructure:"resume"`
	Seed               uint64  `mapstructure:"seed"`
	LogEvery           int     `mapstructure:"log_every"`
}

type DataConfig struct {
	Dir          string  `mapstructure:"dir"`
	SampleRate   int     `mapstructure:"sample_rate"`
	SampleLength float64 `mapstructure:"sample_length"` // seconds
	NFFT         int     `mapstructure:"n_fft"`
	HopLength    int     `mapstructure:"hop_length"`
	WinLength    int     `mapstructure:"win_length"`
	FMin         float64 `mapstructure:"fmin"`
	FMax         float64 `mapstructure:"fmax"`
	Power        float64 `mapstructure:"power"`
	Normalized   bool    `mapstructure:"normalized"`
	MaxSamples   int     `mapstructure:"max_samples"`
	Workers      int     `mapstructure:"workers"`
}

// GenerateConfig drives the sample subcommand.
type GenerateConfig struct {
	Output string `mapstructure:"output"`
	// Reference is an audio file whose mel spectrogram conditions the
	// sample. Its length fixes the output length.
	Reference string  `mapstructure:"reference"`
	Length    float64 `mapstructure:"length"` // seconds, unconditioned models only
	Seed      uint64  `mapstructure:"seed"`
	StepsDir  string  `mapstructure:"steps_dir"`
	LogEvery  int     `mapstructure:"log_every"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Model    ModelConfig    `mapstructure:"model"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Train    TrainConfig    `mapstructure:"train"`
	Data     DataConfig     `mapstructure:"data"`
	Generate GenerateConfig `mapstructure:"generate"`
	Log      LogConfig      `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	d := diffusion.DefaultConfig()
	v.SetDefault("model.channels", d.Channels)
	v.SetDefault("model.residual_channels", d.ResidualChannels)
	v.SetDefault("model.residual_blocks", d.ResidualBlocks)
	v.SetDefault("model.dilation_cycle", d.DilationCycle)
	v.SetDefault("model.embedding_width", d.EmbeddingWidth)
	v.SetDefault("model.max_steps", d.MaxSteps)
	v.SetDefault("model.conditioning", d.Conditioning)
	v.SetDefault("model.n_mels", d.NMels)
	v.SetDefault("model.upsample_strides", d.UpsampleStrides)
	v.SetDefault("model.predict", d.Predict.String())
	v.SetDefault("model.normalize_input", d.NormalizeInput)
	v.SetDefault("model.gpu", false)

	v.SetDefault("schedule.kind", d.Schedule.Kind.String())
	v.SetDefault("schedule.tau", d.Schedule.Tau)
	v.SetDefault("schedule.clip_min", d.Schedule.ClipMin)
	v.SetDefault("schedule.clip_max", d.Schedule.ClipMax)
	v.SetDefault("schedule.time_mode", d.TimeMode.String())
	v.SetDefault("schedule.steps", d.Steps)
	v.SetDefault("schedule.beta_start", d.BetaStart)
	v.SetDefault("schedule.beta_end", d.BetaEnd)
	v.SetDefault("schedule.scale", d.Scale)

	v.SetDefault("sampler.algorithm", d.Sampler.Algorithm.String())
	v.SetDefault("sampler.eta", d.Sampler.Eta)
	v.SetDefault("sampler.t_upper", d.Sampler.TUpper)
	v.SetDefault("sampler.t_lower", d.Sampler.TLower)
	v.SetDefault("sampler.clip_low", d.Sampler.ClipLow)
	v.SetDefault("sampler.clip_high", d.Sampler.ClipHigh)

	v.SetDefault("train.loss", d.Loss.String())
	v.SetDefault("train.optimizer", "adamw")
	v.SetDefault("train.learning_rate", 2e-4)
	v.SetDefault("train.lr_schedule", "constant")
	v.SetDefault("train.warmup_steps", 0)
	v.SetDefault("train.batch_size", 8)
	v.SetDefault("train.epochs", 10)
	v.SetDefault("train.validation_fraction", 0.1)
	v.SetDefault("train.checkpoint", "diffwave.safetensors")
	v.SetDefault("train.resume", false)
	v.SetDefault("train.seed", 0)
	v.SetDefault("train.log_every", 50)

	v.SetDefault("data.dir", "data")
	v.SetDefault("data.sample_rate", 22050)
	v.SetDefault("data.sample_length", 5.0)
	v.SetDefault("data.n_fft", 1024)
	v.SetDefault("data.hop_length", 256)
	v.SetDefault("data.win_length", 1024)
	v.SetDefault("data.fmin", 20.0)
	v.SetDefault("data.fmax", 0.0)
	v.SetDefault("data.power", 1.0)
	v.SetDefault("data.normalized", true)
	v.SetDefault("data.max_samples", 0)
	v.SetDefault("data.workers", 0)

	v.SetDefault("generate.output", "sample.wav")
	v.SetDefault("generate.reference", "")
	v.SetDefault("generate.length", 5.0)
	v.SetDefault("generate.seed", 0)
	v.SetDefault("generate.steps_dir", "")
	v.SetDefault("generate.log_every", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// flagKeys maps short command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"data":        "data.dir",
	"epochs":      "train.epochs",
	"batch-size":  "train.batch_size",
	"lr":          "train.learning_rate",
	"checkpoint":  "train.checkpoint",
	"resume":      "train.resume",
	"seed":        "train.seed",
	"output":      "generate.output",
	"reference":   "generate.reference",
	"sample-seed": "generate.seed",
	"length":      "generate.length",
	"steps-dir":   "generate.steps_dir",
	"algorithm":   "sampler.algorithm",
	"eta":         "sampler.eta",
	"gpu":         "model.gpu",
	"log-level":   "log.level",
}

// Load reads path (if non-empty), then the environment, then any flags in fs
// that were explicitly set. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// DiffusionConfig converts the model, schedule, sampler and loss sections into a
// validated diffusion.Config.
func (c *Config) DiffusionConfig() (diffusion.Config, error) {
	var errs []error
	kind, err := diffusion.ParseScheduleKind(c.Schedule.Kind)
	errs = append(errs, err)
	mode, err := diffusion.ParseTimeMode(c.Schedule.TimeMode)
	errs = append(errs, err)
	predict, err := diffusion.ParsePrediction(c.Model.Predict)
	errs = append(errs, err)
	alg, err := diffusion.ParseAlgorithm(c.Sampler.Algorithm)
	errs = append(errs, err)
	loss, err := diffusion.ParseLossKind(c.Train.Loss)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return diffusion.Config{}, err
	}

	m := diffusion.Config{
		Channels:         c.Model.Channels,
		ResidualChannels: c.Model.ResidualChannels,
		ResidualBlocks:   c.Model.ResidualBlocks,
		DilationCycle:    c.Model.DilationCycle,
		EmbeddingWidth:   c.Model.EmbeddingWidth,
		MaxSteps:         c.Model.MaxSteps,
		Conditioning:     c.Model.Conditioning,
		NMels:            c.Model.NMels,
		UpsampleStrides:  append([]int(nil), c.Model.UpsampleStrides...),
		Predict:          predict,
		NormalizeInput:   c.Model.NormalizeInput,
		UseGPU:           c.Model.GPU,
		Schedule: diffusion.ScheduleConfig{
			Kind:    kind,
			Tau:     c.Schedule.Tau,
			ClipMin: c.Schedule.ClipMin,
			ClipMax: c.Schedule.ClipMax,
		},
		TimeMode:  mode,
		Steps:     c.Schedule.Steps,
		BetaStart: c.Schedule.BetaStart,
		BetaEnd:   c.Schedule.BetaEnd,
		Scale:     c.Schedule.Scale,
		Sampler: diffusion.SamplerConfig{
			Algorithm: alg,
			Eta:       c.Sampler.Eta,
			TUpper:    c.Sampler.TUpper,
			TLower:    c.Sampler.TLower,
			ClipLow:   c.Sampler.ClipLow,
			ClipHigh:  c.Sampler.ClipHigh,
		},
		Loss: loss,
	}
	if err := m.Validate(); err != nil {
		return diffusion.Config{}, err
	}
	if m.Conditioning {
		factor := 1
		for _, s := range m.UpsampleStrides {
			factor *= s
		}
		if factor != c.Data.HopLength {
			return diffusion.Config{}, fmt.Errorf("%w: upsample strides %v give %d samples per frame but hop_length is %d",
				diffusion.ErrConfiguration, m.UpsampleStrides, factor, c.Data.HopLength)
		}
		if m.NMels != 0 && c.Data.NFFT > 0 && m.NMels > c.Data.NFFT/2+1 {
			return diffusion.Config{}, fmt.Errorf("%w: n_mels %d exceeds %d frequency bins",
				diffusion.ErrConfiguration, m.NMels, c.Data.NFFT/2+1)
		}
	}
	return m, nil
}

// Mel returns the spectrogram settings shared by training and sampling.
func (c *Config) Mel() audio.MelConfig {
	return audio.MelConfig{
		SampleRate: c.Data.SampleRate,
		NMels:      c.Model.NMels,
		NFFT:       c.Data.NFFT,
		HopLength:  c.Data.HopLength,
		WinLength:  c.Data.WinLength,
		FMin:       c.Data.FMin,
		FMax:       c.Data.FMax,
		Power:      c.Data.Power,
		Normalized: c.Data.Normalized,
	}
}

// Dataset returns the loader settings for the data section.
func (c *Config) Dataset() audio.DatasetConfig {
	return audio.DatasetConfig{
		Dir:          c.Data.Dir,
		SampleRate:   c.Data.SampleRate,
		SampleLength: int(c.Data.SampleLength * float64(c.Data.SampleRate)),
		MaxSamples:   c.Data.MaxSamples,
		Workers:      c.Data.Workers,
		Mel:          c.Mel(),
		SkipMel:      !c.Model.Conditioning,
	}
}

// Logger builds a logrus logger from the log section.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(level)
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return l, nil
}
