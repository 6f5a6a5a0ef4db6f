package nn

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/diffwave/gpu"
)

// =============================================================================
// Dilated Conv1D with "same" padding
// =============================================================================

// Conv1D is a 1D convolution that preserves sequence length.
// Input shape: [batch][inChannels][seqLen]
// Output shape: [batch][outChannels][seqLen]
// Weight layout: [outChannels][inChannels][kernelSize]
type Conv1D struct {
	InChannels  int
	OutChannels int
	KernelSize  int // must be odd
	Dilation    int
	Activation  ActivationType
	Weight      *Param
	Bias        *Param

	// UseGPU routes Forward through a WebGPU compute kernel. Backward is
	// always computed on the CPU.
	UseGPU bool

	gpuMu    sync.Mutex
	gpuLayer *gpu.Conv1DLayer
}

// NewConv1D initializes a convolution with Kaiming-normal weights. A nil rng
// leaves all parameters at zero.
func NewConv1D(name string, in, out, kernelSize, dilation int, activation ActivationType, rng *rand.Rand) (*Conv1D, error) {
	if kernelSize < 1 || kernelSize%2 == 0 {
		return nil, fmt.Errorf("conv1d %s: kernel size must be odd, got %d", name, kernelSize)
	}
	if dilation < 1 {
		return nil, fmt.Errorf("conv1d %s: dilation must be >= 1, got %d", name, dilation)
	}
	c := &Conv1D{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  kernelSize,
		Dilation:    dilation,
		Activation:  activation,
		Weight:      newParam(name+".weight", out, in, kernelSize),
		Bias:        newParam(name+".bias", out),
	}
	kaimingNormal(rng, c.Weight.Value.Data, in*kernelSize)
	return c, nil
}

func (c *Conv1D) Params() []*Param { return []*Param{c.Weight, c.Bias} }

func (c *Conv1D) padding() int {
	return c.Dilation * (c.KernelSize - 1) / 2
}

// taps splits the weight tensor into one [out][in] matrix per kernel offset.
func (c *Conv1D) taps() []*mat.Dense {
	in, out, k := c.InChannels, c.OutChannels, c.KernelSize
	w := c.Weight.Value.Data
	taps := make([]*mat.Dense, k)
	for t := 0; t < k; t++ {
		data := make([]float64, out*in)
		for o := 0; o < out; o++ {
			for i := 0; i < in; i++ {
				data[o*in+i] = w[o*in*k+i*k+t]
			}
		}
		taps[t] = mat.NewDense(out, in, data)
	}
	return taps
}

// window returns the output range [lo, hi) that tap t reads from in-bounds
// input, along with the input offset.
func (c *Conv1D) window(t, seqLen int) (lo, hi, off int) {
	off = t*c.Dilation - c.padding()
	lo = max(0, -off)
	hi = min(seqLen, seqLen-off)
	return lo, hi, off
}

// Forward convolves x and returns pre-activation and post-activation outputs.
func (c *Conv1D) Forward(x *Tensor) (preAct, postAct *Tensor, err error) {
	if err := checkShape("conv1d", x.Shape, -1, c.InChannels, -1); err != nil {
		return nil, nil, err
	}
	if c.UseGPU {
		pre, gerr := c.forwardGPU(x)
		if gerr == nil {
			return pre, c.activate(pre), nil
		}
		gpu.Log("conv1d: falling back to CPU: %v", gerr)
	}
	pre := c.forwardCPU(x)
	return pre, c.activate(pre), nil
}

func (c *Conv1D) activate(pre *Tensor) *Tensor {
	if c.Activation == ActivationNone {
		return pre
	}
	return ApplyActivation(pre, c.Activation)
}

func (c *Conv1D) forwardCPU(x *Tensor) *Tensor {
	batch, seqLen := x.Shape[0], x.Shape[2]
	in, out := c.InChannels, c.OutChannels
	preAct := NewTensor(batch, out, seqLen)
	taps := c.taps()

	for b := 0; b < batch; b++ {
		X := mat.NewDense(in, seqLen, x.Data[b*in*seqLen:(b+1)*in*seqLen])
		Y := mat.NewDense(out, seqLen, preAct.Data[b*out*seqLen:(b+1)*out*seqLen])
		for t, Wt := range taps {
			lo, hi, off := c.window(t, seqLen)
			if lo >= hi {
				continue
			}
			xv := X.Slice(0, in, lo+off, hi+off)
			yv := Y.Slice(0, out, lo, hi).(*mat.Dense)
			var prod mat.Dense
			prod.Mul(Wt, xv)
			yv.Add(yv, &prod)
		}
		for o := 0; o < out; o++ {
			row := preAct.Data[(b*out+o)*seqLen : (b*out+o+1)*seqLen]
			floats.AddConst(c.Bias.Value.Data[o], row)
		}
	}
	return preAct
}

// Backward accumulates kernel and bias gradients and returns the gradient
// with respect to x. gradOut is taken with respect to the post-activation
// output.
func (c *Conv1D) Backward(gradOut, x, preAct *Tensor) *Tensor {
	batch, seqLen := x.Shape[0], x.Shape[2]
	in, out, k := c.InChannels, c.OutChannels, c.KernelSize
	gPre := ActivationBackward(gradOut, preAct, c.Activation)
	gradIn := NewTensor(batch, in, seqLen)
	taps := c.taps()
	gw := c.Weight.Grad.Data

	for b := 0; b < batch; b++ {
		G := mat.NewDense(out, seqLen, gPre.Data[b*out*seqLen:(b+1)*out*seqLen])
		X := mat.NewDense(in, seqLen, x.Data[b*in*seqLen:(b+1)*in*seqLen])
		GI := mat.NewDense(in, seqLen, gradIn.Data[b*in*seqLen:(b+1)*in*seqLen])

		for t, Wt := range taps {
			lo, hi, off := c.window(t, seqLen)
			if lo >= hi {
				continue
			}
			gv := G.Slice(0, out, lo, hi)
			xv := X.Slice(0, in, lo+off, hi+off)

			var dW mat.Dense
			dW.Mul(gv, xv.T())
			for o := 0; o < out; o++ {
				for i := 0; i < in; i++ {
					gw[o*in*k+i*k+t] += dW.At(o, i)
				}
			}

			giv := GI.Slice(0, in, lo+off, hi+off).(*mat.Dense)
			var dX mat.Dense
			dX.Mul(Wt.T(), gv)
			giv.Add(giv, &dX)
		}

		for o := 0; o < out; o++ {
			c.Bias.Grad.Data[o] += floats.Sum(gPre.Data[(b*out+o)*seqLen : (b*out+o+1)*seqLen])
		}
	}
	return gradIn
}
