package diffusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]func(*Config){
		"no blocks":             func(c *Config) { c.ResidualBlocks = 0 },
		"odd stride":            func(c *Config) { c.UpsampleStrides = []int{16, 15} },
		"no strides":            func(c *Config) { c.UpsampleStrides = nil },
		"zero scale":            func(c *Config) { c.Scale = 0 },
		"direct on noise model": func(c *Config) { c.Sampler.Algorithm = AlgorithmDirect },
		"ddim on signal model":  func(c *Config) { c.Predict = PredictSignal },
		"negative eta":          func(c *Config) { c.Sampler.Eta = -1 },
		"inverted trajectory":   func(c *Config) { c.Sampler.TLower, c.Sampler.TUpper = 0.9, 0.1 },
		"inverted clip":         func(c *Config) { c.Sampler.ClipLow, c.Sampler.ClipHigh = 1, -1 },
		"steps beyond table": func(c *Config) {
			c.TimeMode = TimeDiscrete
			c.Steps = c.MaxSteps + 1
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
		})
	}
}

func TestUnconditionedConfigIgnoresStrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Conditioning = false
	cfg.UpsampleStrides = nil
	cfg.NMels = 0
	assert.NoError(t, cfg.Validate())
}

func TestParseEnums(t *testing.T) {
	a, err := ParseAlgorithm("DDPM")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmDDPM, a)
	p, err := ParsePrediction("signal")
	require.NoError(t, err)
	assert.Equal(t, PredictSignal, p)
	m, err := ParseTimeMode("discrete")
	require.NoError(t, err)
	assert.Equal(t, TimeDiscrete, m)
	l, err := ParseLossKind("l1")
	require.NoError(t, err)
	assert.Equal(t, LossL1, l)

	_, err = ParseAlgorithm("euler")
	assert.ErrorIs(t, err, ErrConfiguration)
}
