package nn

import (
	"math"
	"math/rand/v2"
)

// Param is a trainable tensor together with its accumulated gradient.
// Names are dotted paths ("blocks.3.dilated.weight") and double as
// checkpoint keys.
type Param struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

func newParam(name string, shape ...int) *Param {
	return &Param{Name: name, Value: NewTensor(shape...), Grad: NewTensor(shape...)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Layer is anything that owns trainable parameters.
type Layer interface {
	Params() []*Param
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParams returns the total number of trainable scalars.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Value.Size()
	}
	return n
}

// kaimingUniform fills w with U(-b, b), b = sqrt(1/fanIn), the default
// initialisation for linear and convolution weights.
func kaimingUniform(rng *rand.Rand, w []float64, fanIn int) {
	if rng == nil {
		return
	}
	bound := math.Sqrt(1.0 / float64(fanIn))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
}

// kaimingNormal fills w with N(0, 2/fanIn) (He initialisation).
func kaimingNormal(rng *rand.Rand, w []float64, fanIn int) {
	if rng == nil {
		return
	}
	stddev := math.Sqrt(2.0 / float64(fanIn))
	for i := range w {
		w[i] = rng.NormFloat64() * stddev
	}
}
