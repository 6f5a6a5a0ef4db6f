package audio

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// MelConfig describes a log-mel spectrogram.
type MelConfig struct {
	SampleRate int
	NMels      int
	NFFT       int
	HopLength  int
	WinLength  int
	FMin       float64
	FMax       float64 // 0 means SampleRate/2
	Power      float64 // 1 for magnitude, 2 for power
	Normalized bool    // divide each frame by the window's L2 norm
}

// DefaultMelConfig returns the settings used for training conditioning.
func DefaultMelConfig(sampleRate int) MelConfig {
	return MelConfig{
		SampleRate: sampleRate,
		NMels:      128,
		NFFT:       1024,
		HopLength:  256,
		WinLength:  1024,
		FMin:       20,
		Power:      1,
		Normalized: true,
	}
}

func (c MelConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("mel: sample rate must be positive, got %d", c.SampleRate)
	case c.NMels <= 0:
		return fmt.Errorf("mel: n_mels must be positive, got %d", c.NMels)
	case c.HopLength <= 0:
		return fmt.Errorf("mel: hop length must be positive, got %d", c.HopLength)
	case c.WinLength <= 0 || c.WinLength > c.NFFT:
		return fmt.Errorf("mel: window length %d must be in [1, n_fft=%d]", c.WinLength, c.NFFT)
	case c.FMin < 0 || (c.FMax != 0 && c.FMax <= c.FMin):
		return fmt.Errorf("mel: bad frequency range [%g, %g]", c.FMin, c.FMax)
	case c.Power <= 0:
		return fmt.Errorf("mel: power must be positive, got %g", c.Power)
	}
	return nil
}

// Frames returns the number of centered frames for n samples.
func (c MelConfig) Frames(n int) int { return n/c.HopLength + 1 }

// MelSpectrogram computes log-mel spectrograms with centered frames.
// It is safe for sequential reuse but not for concurrent use.
type MelSpectrogram struct {
	cfg     MelConfig
	filters [][]float64
	window  []float64
	fft     *fourier.FFT
	scale   float64

	frame  []float64
	coeffs []complex128
	mag    []float64
}

func NewMelSpectrogram(cfg MelConfig) (*MelSpectrogram, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmax := cfg.FMax
	if fmax == 0 {
		fmax = float64(cfg.SampleRate) / 2
	}
	m := &MelSpectrogram{
		cfg:     cfg,
		filters: melFilterbank(cfg.NFFT, cfg.NMels, cfg.SampleRate, cfg.FMin, fmax),
		window:  hannWindow(cfg.WinLength),
		fft:     fourier.NewFFT(cfg.NFFT),
		scale:   1,
		frame:   make([]float64, cfg.NFFT),
		mag:     make([]float64, cfg.NFFT/2+1),
	}
	if cfg.Normalized {
		m.scale = 1 / floats.Norm(m.window, 2)
	}
	return m, nil
}

func (m *MelSpectrogram) Config() MelConfig { return m.cfg }

// Compute returns log(max(mel, 1e-5)) laid out as [NMels][frames].
func (m *MelSpectrogram) Compute(samples []float64) [][]float64 {
	cfg := m.cfg
	frames := cfg.Frames(len(samples))
	out := make([][]float64, cfg.NMels)
	for i := range out {
		out[i] = make([]float64, frames)
	}
	// the window sits centered inside the n_fft frame
	offset := (cfg.NFFT - cfg.WinLength) / 2
	for f := 0; f < frames; f++ {
		start := f*cfg.HopLength - cfg.NFFT/2
		for i := range m.frame {
			m.frame[i] = 0
		}
		for i := 0; i < cfg.WinLength; i++ {
			idx := start + offset + i
			if idx >= 0 && idx < len(samples) {
				m.frame[offset+i] = samples[idx] * m.window[i]
			}
		}
		m.coeffs = m.fft.Coefficients(m.coeffs, m.frame)
		for k := range m.mag {
			re, im := real(m.coeffs[k])*m.scale, imag(m.coeffs[k])*m.scale
			mag := math.Hypot(re, im)
			if cfg.Power != 1 {
				mag = math.Pow(mag, cfg.Power)
			}
			m.mag[k] = mag
		}
		for b, filter := range m.filters {
			out[b][f] = math.Log(math.Max(floats.Dot(filter, m.mag), 1e-5))
		}
	}
	return out
}

// melFilterbank builds triangular HTK-scale filters over the rfft bins.
func melFilterbank(nFFT, nMels, sampleRate int, fmin, fmax float64) [][]float64 {
	hzToMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	melToHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	bins := nFFT/2 + 1
	freqs := make([]float64, bins)
	for i := range freqs {
		freqs[i] = float64(i) * float64(sampleRate) / 2 / float64(bins-1)
	}
	lo, hi := hzToMel(fmin), hzToMel(fmax)
	pts := make([]float64, nMels+2)
	for i := range pts {
		pts[i] = melToHz(lo + float64(i)*(hi-lo)/float64(nMels+1))
	}
	filters := make([][]float64, nMels)
	for m := range filters {
		filters[m] = make([]float64, bins)
		for k, f := range freqs {
			lower := (f - pts[m]) / (pts[m+1] - pts[m])
			upper := (pts[m+2] - f) / (pts[m+2] - pts[m+1])
			filters[m][k] = math.Max(0, math.Min(lower, upper))
		}
	}
	return filters
}

// hannWindow is the periodic Hann window: the symmetric window one sample
// longer, truncated.
func hannWindow(n int) []float64 {
	return window.Hann(n + 1)[:n]
}
