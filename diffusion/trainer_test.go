package diffusion

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/diffwave/nn"
)

func TestBinBoundaries(t *testing.T) {
	assert.Equal(t, 1, Bin(0))
	assert.Equal(t, 1, Bin(0.099))
	assert.Equal(t, 2, Bin(0.1))
	assert.Equal(t, 10, Bin(0.95))
	assert.Equal(t, 10, Bin(1))
}

func TestLossTrackerMeans(t *testing.T) {
	var lt LossTracker
	lt.Add(0.05, 1)
	lt.Add(0.07, 3)
	lt.Add(0.55, 4)
	assert.Equal(t, map[int]float64{1: 2, 6: 4}, lt.Means())
	assert.Contains(t, lt.Fields(), "diffusion_step_6_loss")
	lt.Reset()
	assert.Empty(t, lt.Means())
}

func TestLossGradientMatchesFiniteDifference(t *testing.T) {
	for _, predict := range []Prediction{PredictNoise, PredictSignal} {
		t.Run(predict.String(), func(t *testing.T) {
			cfg := smallConfig()
			cfg.Predict = predict
			cfg.TimeMode = TimeDiscrete
			if predict == PredictSignal {
				cfg.Sampler.Algorithm = AlgorithmDirect
			}
			m, err := New(cfg, WithRand(newRand(50)), WithLogger(quietLogger()))
			require.NoError(t, err)
			randomizeOutput(m.Denoiser, newRand(51))

			batch := Batch{Samples: nn.RandN(newRand(52), 2, 1, 8)}
			// A fresh source per evaluation repeats the timestep and noise draws.
			loss := func() float64 {
				l, err := m.ComputeLoss(batch, newRand(53))
				require.NoError(t, err)
				return l
			}
			backward := func() {
				_, err := m.loss(batch, newRand(53), true)
				require.NoError(t, err)
			}
			checkGradients(t, m.Params(), loss, backward)
		})
	}
}

func TestL1LossIsMeanAbsoluteError(t *testing.T) {
	cfg := smallConfig()
	cfg.Loss = LossL1
	m, err := New(cfg, WithZeroWeights(), WithLogger(quietLogger()))
	require.NoError(t, err)

	batch := Batch{Samples: nn.RandN(newRand(54), 2, 1, 8)}
	l, err := m.ComputeLoss(batch, newRand(55))
	require.NoError(t, err)

	// The zero network predicts 0, so the loss is the mean |noise|.
	rng := newRand(55)
	ts := m.Process.SampleTimesteps(rng, 2, 0)
	_, noise, err := m.AddNoise(batch.Samples, ts, rng)
	require.NoError(t, err)
	var want float64
	for _, v := range noise.Data {
		want += math.Abs(v)
	}
	assert.InDelta(t, want/float64(noise.Size()), l, 1e-12)
}

func TestTrainerStepUpdatesWeightsAndEvaluateDoesNot(t *testing.T) {
	m, err := New(smallConfig(), WithRand(newRand(56)), WithLogger(quietLogger()))
	require.NoError(t, err)
	tr := NewTrainer(m, nn.NewAdamWOptimizerDefault(), nn.NewConstantScheduler(1e-2), newRand(57))

	batch := Batch{Samples: nn.RandN(newRand(58), 2, 1, 8)}
	before := m.Denoiser.Output.Weight.Value.Clone()
	res, err := tr.Step(batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Step)
	assert.Equal(t, 1e-2, res.LearningRate)
	assert.False(t, math.IsNaN(res.Loss))
	assert.NotEqual(t, before.Data, m.Denoiser.Output.Weight.Value.Data)
	assert.NotEmpty(t, tr.Bins.Means())

	after := m.Denoiser.Output.Weight.Value.Clone()
	val, err := tr.Evaluate([]Batch{batch, batch})
	require.NoError(t, err)
	assert.Greater(t, val, 0.0)
	assert.Equal(t, after.Data, m.Denoiser.Output.Weight.Value.Data)
}

func TestTrainerReducesLossOnFixedBatch(t *testing.T) {
	cfg := smallConfig()
	cfg.TimeMode = TimeDiscrete
	m, err := New(cfg, WithRand(newRand(59)), WithLogger(quietLogger()))
	require.NoError(t, err)
	tr := NewTrainer(m, nn.NewAdamWOptimizer(0.9, 0.999, 1e-8, 0), nn.NewConstantScheduler(5e-3), newRand(60))
	tr.LogEvery = 0

	batch := Batch{Samples: nn.RandN(newRand(61), 4, 1, 8)}
	eval := func() float64 {
		l, err := m.ComputeLoss(batch, newRand(62))
		require.NoError(t, err)
		return l
	}
	start := eval()
	for i := 0; i < 200; i++ {
		// Same draws every step, so the objective is fixed.
		nn.ZeroGrads(m.Params())
		_, err := m.loss(batch, newRand(62), true)
		require.NoError(t, err)
		tr.optimizer.Step(m.Params(), 5e-3)
	}
	assert.Less(t, eval(), start)
}

func TestFitRunsEveryEpoch(t *testing.T) {
	m, err := New(smallConfig(), WithRand(newRand(63)), WithLogger(quietLogger()))
	require.NoError(t, err)
	tr := NewTrainer(m, nn.NewSGDOptimizer(), nn.NewConstantScheduler(1e-3), newRand(64))

	train := []Batch{
		{Samples: nn.RandN(newRand(65), 1, 1, 8)},
		{Samples: nn.RandN(newRand(66), 1, 1, 8)},
	}
	var epochs []EpochResult
	err = tr.Fit(context.Background(), train, train[:1], 3, func(er EpochResult) error {
		epochs = append(epochs, er)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	assert.Equal(t, 3, epochs[2].Epoch)
	assert.Equal(t, 6, tr.StepCount())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Fit(ctx, train, nil, 1, nil), context.Canceled)
	assert.ErrorIs(t, tr.Fit(context.Background(), nil, nil, 1, nil), ErrConfiguration)
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := smallConfig()
	cfg.Conditioning = true
	src, err := New(cfg, WithRand(newRand(67)), WithLogger(quietLogger()))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, src.Save(path))

	dst, err := New(cfg, WithZeroWeights(), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, dst.Load(path))
	for i, p := range src.Params() {
		q := dst.Params()[i]
		require.Equal(t, p.Name, q.Name)
		assert.InDeltaSlice(t, p.Value.Data, q.Value.Data, 1e-6, p.Name)
	}

	small := smallConfig()
	other, err := New(small, WithZeroWeights(), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, other.Save(path))
	assert.Error(t, dst.Load(path), "conditioned model needs conditioner weights")
}
