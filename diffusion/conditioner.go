package diffusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/openfluke/diffwave/nn"
)

// ConditioningEncoder upsamples a [batch][nMels][frames] spectrogram along
// time to the sample length. Each stage is a single-channel transposed
// convolution with kernel [3, 2s], stride [1, s] and padding [1, s/2], so it
// multiplies the frame count by exactly s and keeps the mel axis.
type ConditioningEncoder struct {
	NMels  int
	Stages []*nn.ConvTranspose2D
}

type conditionerCache struct {
	inputs []*nn.Tensor // input to each stage
	pres   []*nn.Tensor // pre-activation of each stage
	width  int          // uncropped output width
}

func NewConditioningEncoder(nMels int, strides []int, rng *rand.Rand) (*ConditioningEncoder, error) {
	if nMels < 1 || len(strides) == 0 {
		return nil, configErrorf("conditioning encoder needs n_mels >= 1 and at least one stride")
	}
	e := &ConditioningEncoder{NMels: nMels}
	for i, s := range strides {
		if s < 2 || s%2 != 0 {
			return nil, configErrorf("upsample stride %d must be even and >= 2", s)
		}
		stage, err := nn.NewConvTranspose2D(fmt.Sprintf("conditioner.upsample%d", i),
			1, 1, 3, 2*s, 1, s, 1, s/2, nn.ActivationLeakyReLU, rng)
		if err != nil {
			return nil, err
		}
		e.Stages = append(e.Stages, stage)
	}
	return e, nil
}

func (e *ConditioningEncoder) Params() []*nn.Param {
	var ps []*nn.Param
	for _, s := range e.Stages {
		ps = append(ps, s.Params()...)
	}
	return ps
}

// UpsampleFactor is the number of samples produced per spectrogram frame.
func (e *ConditioningEncoder) UpsampleFactor() int {
	f := 1
	for _, s := range e.Stages {
		f *= s.StrideW
	}
	return f
}

// Encode upsamples spec and crops it to targetLen samples, returning
// [batch][nMels][targetLen]. It fails if the mel axis does not match or the
// upsampled length falls short of targetLen.
func (e *ConditioningEncoder) Encode(spec *nn.Tensor, targetLen int) (*nn.Tensor, error) {
	out, _, err := e.encode(spec, targetLen)
	return out, err
}

func (e *ConditioningEncoder) encode(spec *nn.Tensor, targetLen int) (*nn.Tensor, *conditionerCache, error) {
	if len(spec.Shape) != 3 || spec.Shape[1] != e.NMels {
		return nil, nil, &ShapeError{Op: "conditioning", Want: []int{-1, e.NMels, -1}, Got: spec.Shape}
	}
	batch, frames := spec.Shape[0], spec.Shape[2]
	if frames*e.UpsampleFactor() < targetLen {
		return nil, nil, &ShapeError{
			Op:   "conditioning",
			Want: []int{batch, e.NMels, targetLen},
			Got:  []int{batch, e.NMels, frames * e.UpsampleFactor()},
		}
	}

	cache := &conditionerCache{}
	x := spec.Reshape(batch, 1, e.NMels, frames)
	for _, stage := range e.Stages {
		pre, post, err := stage.Forward(x)
		if err != nil {
			return nil, nil, err
		}
		cache.inputs = append(cache.inputs, x)
		cache.pres = append(cache.pres, pre)
		x = post
	}
	width := x.Shape[3]
	cache.width = width

	out := nn.NewTensor(batch, e.NMels, targetLen)
	for r := 0; r < batch*e.NMels; r++ {
		copy(out.Data[r*targetLen:(r+1)*targetLen], x.Data[r*width:r*width+targetLen])
	}
	return out, cache, nil
}

// backward accumulates stage gradients for a gradient on the cropped output.
func (e *ConditioningEncoder) backward(c *conditionerCache, gradOut *nn.Tensor) {
	batch, targetLen := gradOut.Shape[0], gradOut.Shape[2]
	g := nn.NewTensor(batch, 1, e.NMels, c.width)
	for r := 0; r < batch*e.NMels; r++ {
		copy(g.Data[r*c.width:r*c.width+targetLen], gradOut.Data[r*targetLen:(r+1)*targetLen])
	}
	for i := len(e.Stages) - 1; i >= 0; i-- {
		g = e.Stages[i].Backward(g, c.inputs[i], c.pres[i])
	}
}
