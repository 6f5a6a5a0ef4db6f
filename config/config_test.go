package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/diffwave/diffusion"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diffwave.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsMatchModelDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	m, err := cfg.DiffusionConfig()
	require.NoError(t, err)
	assert.Equal(t, diffusion.DefaultConfig(), m)

	assert.Equal(t, 8, cfg.Train.BatchSize)
	assert.Equal(t, "adamw", cfg.Train.Optimizer)
	assert.Equal(t, 22050*5, cfg.Dataset().SampleLength)
	assert.False(t, cfg.Dataset().SkipMel)
	assert.NoError(t, cfg.Mel().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
model:
  residual_blocks: 4
  conditioning: false
schedule:
  kind: linear
  time_mode: discrete
  steps: 50
sampler:
  algorithm: ddpm
data:
  sample_length: 0.5
train:
  loss: l1
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	m, err := cfg.DiffusionConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, m.ResidualBlocks)
	assert.False(t, m.Conditioning)
	assert.Equal(t, diffusion.ScheduleLinear, m.Schedule.Kind)
	assert.Equal(t, diffusion.TimeDiscrete, m.TimeMode)
	assert.Equal(t, 50, m.Steps)
	assert.Equal(t, diffusion.AlgorithmDDPM, m.Sampler.Algorithm)
	assert.Equal(t, diffusion.LossL1, m.Loss)
	// untouched keys keep their defaults
	assert.Equal(t, 64, m.ResidualChannels)

	ds := cfg.Dataset()
	assert.Equal(t, 11025, ds.SampleLength)
	assert.True(t, ds.SkipMel)
}

func TestPrecedence(t *testing.T) {
	path := writeConfig(t, "train:\n  epochs: 2\n  batch_size: 4\n")
	t.Setenv("DIFFWAVE_TRAIN_EPOCHS", "3")
	t.Setenv("DIFFWAVE_SAMPLER_ETA", "0.25")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("epochs", 1, "")
	fs.Int("batch-size", 99, "")
	fs.String("log-level", "info", "")
	require.NoError(t, fs.Parse([]string{"--epochs=7", "--log-level=debug"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Train.Epochs, "flag beats env and file")
	assert.Equal(t, 4, cfg.Train.BatchSize, "unset flag does not override file")
	assert.Equal(t, 0.25, cfg.Sampler.Eta, "env beats default")

	l, err := cfg.Logger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestModelRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]string{
		"unknown target":      "model:\n  predict: bogus\n",
		"unknown schedule":    "schedule:\n  kind: sigmoid\n",
		"direct with noise":   "sampler:\n  algorithm: direct\n",
		"hop mismatch":        "data:\n  hop_length: 128\n",
		"too many mels":       "model:\n  n_mels: 600\n",
		"bad clip bounds":     "schedule:\n  clip_min: 0\n",
		"odd upsample stride": "model:\n  upsample_strides: [16, 15]\ndata:\n  hop_length: 240\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, body), nil)
			require.NoError(t, err)
			_, err = cfg.DiffusionConfig()
			assert.ErrorIs(t, err, diffusion.ErrConfiguration)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	cfg, err := Load(writeConfig(t, "log:\n  format: xml\n"), nil)
	require.NoError(t, err)
	_, err = cfg.Logger()
	assert.Error(t, err)

	cfg, err = Load(writeConfig(t, "log:\n  level: loud\n"), nil)
	require.NoError(t, err)
	_, err = cfg.Logger()
	assert.Error(t, err)
}
