package diffusion

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/openfluke/diffwave/nn"
)

// EmbeddingDim is the width of the raw sinusoidal encoding.
const EmbeddingDim = 128

// TimestepEmbedding turns a diffusion time into a feature vector: a cached
// sinusoidal table indexed (or interpolated) by position, followed by two
// Linear+SiLU projections.
type TimestepEmbedding struct {
	MaxSteps int
	Width    int
	Proj1    *nn.Linear
	Proj2    *nn.Linear

	table []float64 // [MaxSteps][EmbeddingDim], derived, never persisted
}

type embeddingCache struct {
	raw, pre1, post1, pre2 *nn.Tensor
}

// NewTimestepEmbedding builds the lookup table for positions [0, maxSteps)
// and a projection to width.
func NewTimestepEmbedding(maxSteps, width int, rng *rand.Rand) (*TimestepEmbedding, error) {
	if maxSteps < 1 || width < 1 {
		return nil, configErrorf("embedding needs maxSteps and width >= 1, got %d and %d", maxSteps, width)
	}
	return &TimestepEmbedding{
		MaxSteps: maxSteps,
		Width:    width,
		Proj1:    nn.NewLinear("embedding.projection1", EmbeddingDim, width, nn.ActivationSiLU, rng),
		Proj2:    nn.NewLinear("embedding.projection2", width, width, nn.ActivationSiLU, rng),
		table:    buildEmbeddingTable(maxSteps),
	}, nil
}

func buildEmbeddingTable(maxSteps int) []float64 {
	half := EmbeddingDim / 2
	table := make([]float64, maxSteps*EmbeddingDim)
	for t := 0; t < maxSteps; t++ {
		row := table[t*EmbeddingDim : (t+1)*EmbeddingDim]
		for i := 0; i < half; i++ {
			v := float64(t) * math.Pow(10, 4*float64(i)/float64(half-1))
			row[i] = math.Sin(v)
			row[i+half] = math.Cos(v)
		}
	}
	return table
}

func (e *TimestepEmbedding) Params() []*nn.Param {
	return append(e.Proj1.Params(), e.Proj2.Params()...)
}

// Lookup returns a copy of the raw encoding for an integer step.
func (e *TimestepEmbedding) Lookup(step int) ([]float64, error) {
	if step < 0 || step >= e.MaxSteps {
		return nil, fmt.Errorf("embedding: step %d outside [0, %d)", step, e.MaxSteps)
	}
	out := make([]float64, EmbeddingDim)
	copy(out, e.row(step))
	return out, nil
}

// Interpolate returns the raw encoding at a fractional position, blending
// the floor and ceil rows linearly. Integer positions reproduce Lookup.
func (e *TimestepEmbedding) Interpolate(pos float64) ([]float64, error) {
	if math.IsNaN(pos) || pos < 0 || pos > float64(e.MaxSteps-1) {
		return nil, fmt.Errorf("embedding: position %g outside [0, %d]", pos, e.MaxSteps-1)
	}
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	if lo == hi {
		return e.Lookup(lo)
	}
	frac := pos - float64(lo)
	a, b := e.row(lo), e.row(hi)
	out := make([]float64, EmbeddingDim)
	for i := range out {
		out[i] = a[i] + (b[i]-a[i])*frac
	}
	return out, nil
}

func (e *TimestepEmbedding) row(step int) []float64 {
	return e.table[step*EmbeddingDim : (step+1)*EmbeddingDim]
}

// Raw stacks the encodings of positions into a [len(positions)][128] tensor.
func (e *TimestepEmbedding) Raw(positions []float64) (*nn.Tensor, error) {
	raw := nn.NewTensor(len(positions), EmbeddingDim)
	for b, pos := range positions {
		v, err := e.Interpolate(pos)
		if err != nil {
			return nil, err
		}
		copy(raw.Row(b), v)
	}
	return raw, nil
}

// Forward embeds positions and projects them to [len(positions)][Width].
func (e *TimestepEmbedding) Forward(positions []float64) (*nn.Tensor, error) {
	out, _, err := e.forward(positions)
	return out, err
}

func (e *TimestepEmbedding) forward(positions []float64) (*nn.Tensor, *embeddingCache, error) {
	raw, err := e.Raw(positions)
	if err != nil {
		return nil, nil, err
	}
	pre1, post1, err := e.Proj1.Forward(raw)
	if err != nil {
		return nil, nil, err
	}
	pre2, post2, err := e.Proj2.Forward(post1)
	if err != nil {
		return nil, nil, err
	}
	return post2, &embeddingCache{raw: raw, pre1: pre1, post1: post1, pre2: pre2}, nil
}

// backward accumulates projection gradients. The table itself is fixed.
func (e *TimestepEmbedding) backward(c *embeddingCache, gradOut *nn.Tensor) {
	g := e.Proj2.Backward(gradOut, c.post1, c.pre2)
	e.Proj1.Backward(g, c.raw, c.pre1)
}
