package diffusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/diffwave/nn"
)

func TestAddNoisePredictX0RoundTrip(t *testing.T) {
	for _, mode := range []TimeMode{TimeContinuous, TimeDiscrete} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := smallConfig()
			cfg.TimeMode = mode
			cfg.Scale = 0.7
			m, err := New(cfg, WithRand(newRand(20)), WithLogger(quietLogger()))
			require.NoError(t, err)

			rng := newRand(21)
			x0 := nn.RandN(rng, 3, 1, 16)
			noise := nn.RandN(rng, 3, 1, 16)
			ts := m.Process.SampleTimesteps(rng, 3, 0)

			xt, err := m.Process.AddNoise(x0, ts, noise)
			require.NoError(t, err)
			rec, err := m.Process.PredictX0(xt, noise, ts)
			require.NoError(t, err)
			assert.InDeltaSlice(t, x0.Data, rec.Data, 1e-9)
		})
	}
}

func TestAddNoiseUsesScheduleCoefficients(t *testing.T) {
	cfg := smallConfig()
	cfg.Schedule.Kind = ScheduleLinear
	m, err := New(cfg, WithZeroWeights(), WithLogger(quietLogger()))
	require.NoError(t, err)

	x0 := nn.NewTensorFromSlice([]float64{1, -1}, 1, 1, 2)
	noise := nn.NewTensorFromSlice([]float64{0.5, 0.5}, 1, 1, 2)
	xt, err := m.Process.AddNoise(x0, Continuous(0.36), noise)
	require.NoError(t, err)
	// γ = 0.64: √γ = 0.8, √(1-γ) = 0.6
	assert.InDeltaSlice(t, []float64{0.8 + 0.3, -0.8 + 0.3}, xt.Data, 1e-12)
}

func TestAddNoiseContracts(t *testing.T) {
	m, err := New(smallConfig(), WithZeroWeights(), WithLogger(quietLogger()))
	require.NoError(t, err)
	x0 := nn.NewTensor(2, 1, 4)

	_, err = m.Process.AddNoise(x0, Continuous(0.5), nn.NewTensor(2, 1, 5))
	var se *ShapeError
	assert.ErrorAs(t, err, &se)

	_, err = m.Process.AddNoise(x0, Discrete(1), nn.NewTensor(2, 1, 4))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSampleTimestepsRespectMode(t *testing.T) {
	cfg := smallConfig()
	cfg.TimeMode = TimeDiscrete
	m, err := New(cfg, WithZeroWeights(), WithLogger(quietLogger()))
	require.NoError(t, err)
	ts := m.Process.SampleTimesteps(newRand(22), 200, 1)
	require.Equal(t, TimeDiscrete, ts.Mode())
	for i := 0; i < ts.Len(); i++ {
		assert.GreaterOrEqual(t, ts.Step(i), 1)
		assert.Less(t, ts.Step(i), cfg.Steps)
	}
}

func TestNormalizeGivesUnitStd(t *testing.T) {
	x := nn.NewTensorFromSlice([]float64{1, 2, 3, 4, 10, 10, 10, 10}, 2, 1, 4)
	out := normalize(x)
	assert.InDelta(t, 1/1.2909944487358056, out.Data[0], 1e-9)
	assert.Equal(t, []float64{10, 10, 10, 10}, out.Data[4:])
	assert.Equal(t, 1.0, x.Data[0], "input must not be modified")
}
