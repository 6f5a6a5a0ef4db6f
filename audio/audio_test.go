package audio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, rate, n int, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func writeTemp(t *testing.T, dir, name string, samples []float64, rate int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, WriteWAVFile(path, samples, rate))
	return path
}

func TestWAVRoundTrip(t *testing.T) {
	in := sine(440, 8000, 800, 0.5)
	in[10] = 1.5 // clamped on write
	path := writeTemp(t, t.TempDir(), "tone.wav", in, 8000)

	clip, err := DefaultRegistry().DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.Equal(t, 1, clip.Channels)
	require.Len(t, clip.Samples, len(in))
	assert.Equal(t, 100*time.Millisecond, clip.Duration())
	for i, v := range clip.Samples {
		want := math.Max(-1, math.Min(1, in[i]))
		assert.InDelta(t, want, v, 1e-4, "sample %d", i)
	}
}

func TestDecodeSniffsContent(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "tone.wav", sine(220, 8000, 400, 0.3), 8000)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	format, err := Detect(data)
	require.NoError(t, err)
	assert.Equal(t, "wav", format)

	renamed := filepath.Join(dir, "tone.bin")
	require.NoError(t, os.WriteFile(renamed, data, 0o644))
	clip, err := DefaultRegistry().DecodeFile(renamed)
	require.NoError(t, err)
	assert.Len(t, clip.Samples, 400)
}

func TestDecodeRejectsUnknownContent(t *testing.T) {
	_, err := Detect([]byte("plain text, not audio"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	path := filepath.Join(t.TempDir(), "broken.wav")
	require.NoError(t, os.WriteFile(path, []byte("not really a wav file"), 0o644))
	_, err = DefaultRegistry().DecodeFile(path)
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	for _, name := range []string{"wav", "MP3", "ogg", "aiff", "aif"} {
		_, ok := reg.Get(name)
		assert.True(t, ok, name)
	}
	assert.True(t, reg.Supports("a/b/song.OGG"))
	assert.False(t, reg.Supports("notes.txt"))

	reg.Register("flac", WAVDecoder{})
	assert.True(t, reg.Supports("x.flac"))
}

func TestWAVDecoderRejectsGarbage(t *testing.T) {
	_, err := WAVDecoder{}.Decode(bytes.NewReader([]byte("RIFF")))
	assert.Error(t, err)
}

func TestMono(t *testing.T) {
	c := &Clip{SampleRate: 4, Channels: 2, Samples: []float64{1, 3, -1, 1}}
	assert.Equal(t, 2, c.Frames())
	assert.Equal(t, []float64{2, 0}, c.Mono())

	single := &Clip{Channels: 1, Samples: []float64{0.1, 0.2}}
	out := single.Mono()
	out[0] = 9
	assert.Equal(t, 0.1, single.Samples[0])
}

func TestResample(t *testing.T) {
	ramp := make([]float64, 100)
	for i := range ramp {
		ramp[i] = float64(i) * 0.01
	}
	down := Resample(ramp, 2, 1)
	require.Len(t, down, 50)
	for i := 1; i < len(down)-2; i++ {
		assert.InDelta(t, float64(2*i)*0.01, down[i], 1e-12)
	}

	up := Resample(ramp, 1, 2)
	require.Len(t, up, 200)
	for i := 2; i < len(up)-4; i++ {
		assert.InDelta(t, float64(i)*0.005, up[i], 1e-12, "index %d", i)
	}

	same := Resample(ramp, 3, 3)
	assert.Equal(t, ramp, same)
}

func TestNegOneToOne(t *testing.T) {
	v := []float64{0, 5, 10, 2.5}
	NegOneToOne(v)
	assert.InDeltaSlice(t, []float64{-1, 0, 1, -0.5}, v, 1e-12)

	flat := []float64{3, 3, 3}
	NegOneToOne(flat)
	assert.Equal(t, []float64{0, 0, 0}, flat)

	NegOneToOne(nil)
}

func TestSegments(t *testing.T) {
	in := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	segs := Segments(in, 4)
	require.Len(t, segs, 2)
	assert.Equal(t, []float64{4, 5, 6, 7}, segs[1])
	segs[0][0] = 42
	assert.Equal(t, 0.0, in[0])
	assert.Nil(t, Segments(in, 0))
	assert.Empty(t, Segments(in, 11))
}

func testMelConfig() MelConfig {
	return MelConfig{SampleRate: 16000, NMels: 32, NFFT: 1024, HopLength: 256, WinLength: 1024, Power: 1, Normalized: true}
}

func TestMelSpectrogramShape(t *testing.T) {
	mel, err := NewMelSpectrogram(testMelConfig())
	require.NoError(t, err)
	spec := mel.Compute(sine(1000, 16000, 4000, 0.5))
	require.Len(t, spec, 32)
	for _, row := range spec {
		require.Len(t, row, 4000/256+1)
		for _, v := range row {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}

	silent := mel.Compute(make([]float64, 512))
	assert.InDelta(t, math.Log(1e-5), silent[0][0], 1e-12)
}

func TestMelSpectrogramPeak(t *testing.T) {
	cfg := testMelConfig()
	mel, err := NewMelSpectrogram(cfg)
	require.NoError(t, err)
	spec := mel.Compute(sine(1000, 16000, 8000, 0.8))

	frame := len(spec[0]) / 2
	best := 0
	for b := range spec {
		if spec[b][frame] > spec[best][frame] {
			best = b
		}
	}
	bin := 1000 * cfg.NFFT / cfg.SampleRate
	assert.Greater(t, mel.filters[best][bin], 0.0, "loudest band %d does not cover 1 kHz", best)
}

func TestMelConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultMelConfig(22050).Validate())
	bad := []func(*MelConfig){
		func(c *MelConfig) { c.SampleRate = 0 },
		func(c *MelConfig) { c.NMels = 0 },
		func(c *MelConfig) { c.HopLength = 0 },
		func(c *MelConfig) { c.WinLength = 2048 },
		func(c *MelConfig) { c.FMax = 10 },
		func(c *MelConfig) { c.Power = 0 },
	}
	for i, mutate := range bad {
		c := DefaultMelConfig(22050)
		mutate(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestHannWindowIsPeriodic(t *testing.T) {
	assert.InDeltaSlice(t, []float64{0, 0.5, 1, 0.5}, hannWindow(4), 1e-12)
}
