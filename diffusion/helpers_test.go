package diffusion

import (
	"io"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/diffwave/nn"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// smallConfig is a tiny unconditioned model cheap enough for gradient checks.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.ResidualChannels = 4
	cfg.ResidualBlocks = 2
	cfg.DilationCycle = 2
	cfg.EmbeddingWidth = 8
	cfg.MaxSteps = 10
	cfg.Steps = 10
	cfg.Conditioning = false
	cfg.NMels = 3
	cfg.UpsampleStrides = []int{2, 2}
	return cfg
}

// randomizeOutput gives the zero-initialised output projection random
// weights so gradients reach the rest of the network.
func randomizeOutput(d *Denoiser, rng *rand.Rand) {
	for _, p := range d.Output.Params() {
		for i := range p.Value.Data {
			p.Value.Data[i] = rng.NormFloat64() * 0.5
		}
	}
}

func sumProduct(a, b *nn.Tensor) float64 {
	var s float64
	for i := range a.Data {
		s += a.Data[i] * b.Data[i]
	}
	return s
}
