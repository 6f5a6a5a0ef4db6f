package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully-connected layer: y = act(x @ W^T + b)
// Weight layout: [out][in], bias: [out]
type Linear struct {
	In, Out    int
	Activation ActivationType
	Weight     *Param
	Bias       *Param
}

// NewLinear initializes a linear layer. A nil rng leaves the weights at zero.
func NewLinear(name string, in, out int, activation ActivationType, rng *rand.Rand) *Linear {
	l := &Linear{
		In:         in,
		Out:        out,
		Activation: activation,
		Weight:     newParam(name+".weight", out, in),
		Bias:       newParam(name+".bias", out),
	}
	kaimingUniform(rng, l.Weight.Value.Data, in)
	kaimingUniform(rng, l.Bias.Value.Data, in)
	return l
}

func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }

// Forward computes the layer on x [batch][in] and returns the
// pre-activation and post-activation outputs [batch][out].
func (l *Linear) Forward(x *Tensor) (preAct, postAct *Tensor, err error) {
	if err := checkShape("linear", x.Shape, -1, l.In); err != nil {
		return nil, nil, err
	}
	batch := x.Shape[0]
	if batch == 0 {
		return nil, nil, fmt.Errorf("linear: empty batch")
	}

	preAct = NewTensor(batch, l.Out)
	X := mat.NewDense(batch, l.In, x.Data)
	W := mat.NewDense(l.Out, l.In, l.Weight.Value.Data)
	Y := mat.NewDense(batch, l.Out, preAct.Data)
	Y.Mul(X, W.T())

	for b := 0; b < batch; b++ {
		floats.Add(preAct.Row(b), l.Bias.Value.Data)
	}
	if l.Activation == ActivationNone {
		return preAct, preAct, nil
	}
	return preAct, ApplyActivation(preAct, l.Activation), nil
}

// Backward accumulates weight and bias gradients and returns the gradient
// with respect to x. gradOut is taken with respect to the post-activation
// output.
func (l *Linear) Backward(gradOut, x, preAct *Tensor) *Tensor {
	batch := x.Shape[0]
	gPre := ActivationBackward(gradOut, preAct, l.Activation)

	G := mat.NewDense(batch, l.Out, gPre.Data)
	X := mat.NewDense(batch, l.In, x.Data)
	W := mat.NewDense(l.Out, l.In, l.Weight.Value.Data)

	var gW mat.Dense
	gW.Mul(G.T(), X)
	floats.Add(l.Weight.Grad.Data, gW.RawMatrix().Data)

	for b := 0; b < batch; b++ {
		floats.Add(l.Bias.Grad.Data, gPre.Row(b))
	}

	gradIn := NewTensor(batch, l.In)
	GI := mat.NewDense(batch, l.In, gradIn.Data)
	GI.Mul(G, W)
	return gradIn
}
