package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/diffwave/audio"
	"github.com/openfluke/diffwave/config"
)

func examples(n, length, mels, frames int) []audio.Example {
	out := make([]audio.Example, n)
	for i := range out {
		ex := audio.Example{Audio: make([]float64, length)}
		for j := range ex.Audio {
			ex.Audio[j] = float64(i)
		}
		ex.Mel = make([][]float64, mels)
		for m := range ex.Mel {
			ex.Mel[m] = make([]float64, frames)
			ex.Mel[m][0] = float64(10*i + m)
		}
		out[i] = ex
	}
	return out
}

func TestMakeBatches(t *testing.T) {
	batches, err := makeBatches(examples(5, 6, 3, 2), 2, true)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Equal(t, []int{2, 1, 6}, batches[0].Samples.Shape)
	assert.Equal(t, []int{1, 1, 6}, batches[2].Samples.Shape)
	assert.Equal(t, 4.0, batches[2].Samples.Data[0])

	cond := batches[1].Conditioning
	require.NotNil(t, cond)
	assert.Equal(t, []int{2, 3, 2}, cond.Shape)
	// second example of the batch, mel row 1, frame 0
	assert.Equal(t, 31.0, cond.Data[1*6+1*2])

	plain, err := makeBatches(examples(3, 6, 3, 2), 8, false)
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Nil(t, plain[0].Conditioning)
}

func TestSplitValidation(t *testing.T) {
	ex := examples(10, 1, 1, 1)
	train, val := splitValidation(ex, 0.2)
	assert.Len(t, train, 8)
	assert.Len(t, val, 2)

	train, val = splitValidation(ex[:1], 0.5)
	assert.Len(t, train, 1)
	assert.Empty(t, val)

	train, val = splitValidation(ex, 0)
	assert.Len(t, train, 10)
	assert.Empty(t, val)
}

func TestConditioningMatchesDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.wav")
	tone := make([]float64, 2048)
	for i := range tone {
		tone[i] = 0.3 * math.Sin(float64(i)/5)
	}
	require.NoError(t, audio.WriteWAVFile(path, tone, 8000))

	mcfg := audio.MelConfig{SampleRate: 8000, NMels: 8, NFFT: 256, HopLength: 64, WinLength: 256, Power: 1}
	ref, cond, err := conditioning(path, mcfg)
	require.NoError(t, err)
	assert.Len(t, ref, 2048)
	assert.Equal(t, []int{1, 8, 2048/64 + 1}, cond.Shape)
	assert.InDelta(t, 1.0, maxAbs(ref), 1e-9)
}

func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}

func TestTrainThenSample(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "clips")
	require.NoError(t, os.Mkdir(data, 0o755))
	tone := make([]float64, 2000)
	for i := range tone {
		tone[i] = 0.5 * math.Sin(float64(i)/3)
	}
	require.NoError(t, audio.WriteWAVFile(filepath.Join(data, "tone.wav"), tone, 8000))

	cfgPath := filepath.Join(dir, "diffwave.yaml")
	ckpt := filepath.Join(dir, "model.safetensors")
	out := filepath.Join(dir, "out.wav")
	steps := filepath.Join(dir, "steps")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
model:
  residual_channels: 2
  residual_blocks: 1
  dilation_cycle: 1
  embedding_width: 4
  max_steps: 10
  conditioning: false
schedule:
  steps: 4
data:
  dir: `+data+`
  sample_rate: 8000
  sample_length: 0.05
train:
  epochs: 1
  batch_size: 2
  seed: 7
  checkpoint: `+ckpt+`
generate:
  output: `+out+`
  length: 0.05
  seed: 3
  steps_dir: `+steps+`
log:
  level: error
`), 0o644))

	cfg, err := config.Load(cfgPath, nil)
	require.NoError(t, err)
	logger, err := cfg.Logger()
	require.NoError(t, err)

	require.NoError(t, train(context.Background(), cfg, logger))
	require.FileExists(t, ckpt)

	require.NoError(t, sample(context.Background(), cfg, logger))
	clip, err := audio.DefaultRegistry().DecodeFile(out)
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.Len(t, clip.Samples, 400)
	assert.LessOrEqual(t, maxAbs(clip.Samples), 1.0)

	written, err := filepath.Glob(filepath.Join(steps, "step_*.wav"))
	require.NoError(t, err)
	assert.Len(t, written, 4)
}
