package nn

import (
	"fmt"
	"math/rand/v2"
)

// ConvTranspose2D is a strided transposed 2D convolution used to upsample
// spectrogram frames.
// Input shape: [batch][inChannels][height][width]
// Output shape: [batch][outChannels][outHeight][outWidth]
// Weight layout: [inChannels][outChannels][kernelH][kernelW]
type ConvTranspose2D struct {
	InChannels, OutChannels int
	KernelH, KernelW        int
	StrideH, StrideW        int
	PadH, PadW              int
	Activation              ActivationType
	Weight                  *Param
	Bias                    *Param
}

// NewConvTranspose2D initializes a transposed convolution. A nil rng leaves
// the weights at zero.
func NewConvTranspose2D(name string, in, out, kernelH, kernelW, strideH, strideW, padH, padW int, activation ActivationType, rng *rand.Rand) (*ConvTranspose2D, error) {
	if kernelH < 1 || kernelW < 1 || strideH < 1 || strideW < 1 || padH < 0 || padW < 0 {
		return nil, fmt.Errorf("conv_transpose2d %s: invalid geometry k=(%d,%d) s=(%d,%d) p=(%d,%d)",
			name, kernelH, kernelW, strideH, strideW, padH, padW)
	}
	c := &ConvTranspose2D{
		InChannels:  in,
		OutChannels: out,
		KernelH:     kernelH,
		KernelW:     kernelW,
		StrideH:     strideH,
		StrideW:     strideW,
		PadH:        padH,
		PadW:        padW,
		Activation:  activation,
		Weight:      newParam(name+".weight", in, out, kernelH, kernelW),
		Bias:        newParam(name+".bias", out),
	}
	kaimingNormal(rng, c.Weight.Value.Data, in*kernelH*kernelW)
	return c, nil
}

func (c *ConvTranspose2D) Params() []*Param { return []*Param{c.Weight, c.Bias} }

// OutputSize returns the spatial output extent for an input of h x w.
func (c *ConvTranspose2D) OutputSize(h, w int) (int, int) {
	return (h-1)*c.StrideH - 2*c.PadH + c.KernelH, (w-1)*c.StrideW - 2*c.PadW + c.KernelW
}

// Forward returns pre-activation and post-activation outputs.
func (c *ConvTranspose2D) Forward(x *Tensor) (preAct, postAct *Tensor, err error) {
	if err := checkShape("conv_transpose2d", x.Shape, -1, c.InChannels, -1, -1); err != nil {
		return nil, nil, err
	}
	batch, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.OutputSize(h, w)
	if oh < 1 || ow < 1 {
		return nil, nil, &ShapeError{Op: "conv_transpose2d", Want: []int{-1, c.InChannels, c.KernelH, c.KernelW}, Got: x.Shape}
	}
	in, out := c.InChannels, c.OutChannels
	kh, kw := c.KernelH, c.KernelW
	wt := c.Weight.Value.Data

	preAct = NewTensor(batch, out, oh, ow)
	for b := 0; b < batch; b++ {
		for ic := 0; ic < in; ic++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					v := x.Data[((b*in+ic)*h+y)*w+xx]
					if v == 0 {
						continue
					}
					for oc := 0; oc < out; oc++ {
						for i := 0; i < kh; i++ {
							oy := y*c.StrideH - c.PadH + i
							if oy < 0 || oy >= oh {
								continue
							}
							for j := 0; j < kw; j++ {
								ox := xx*c.StrideW - c.PadW + j
								if ox < 0 || ox >= ow {
									continue
								}
								preAct.Data[((b*out+oc)*oh+oy)*ow+ox] += v * wt[((ic*out+oc)*kh+i)*kw+j]
							}
						}
					}
				}
			}
		}
		for oc := 0; oc < out; oc++ {
			plane := preAct.Data[(b*out+oc)*oh*ow : (b*out+oc+1)*oh*ow]
			for i := range plane {
				plane[i] += c.Bias.Value.Data[oc]
			}
		}
	}
	if c.Activation == ActivationNone {
		return preAct, preAct, nil
	}
	return preAct, ApplyActivation(preAct, c.Activation), nil
}

// Backward accumulates parameter gradients and returns the gradient with
// respect to x.
func (c *ConvTranspose2D) Backward(gradOut, x, preAct *Tensor) *Tensor {
	batch, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := preAct.Shape[2], preAct.Shape[3]
	in, out := c.InChannels, c.OutChannels
	kh, kw := c.KernelH, c.KernelW
	wt := c.Weight.Value.Data
	gw := c.Weight.Grad.Data

	gPre := ActivationBackward(gradOut, preAct, c.Activation)
	gradIn := NewTensor(x.Shape...)

	for b := 0; b < batch; b++ {
		for oc := 0; oc < out; oc++ {
			var sum float64
			for _, g := range gPre.Data[(b*out+oc)*oh*ow : (b*out+oc+1)*oh*ow] {
				sum += g
			}
			c.Bias.Grad.Data[oc] += sum
		}
		for ic := 0; ic < in; ic++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					xIdx := ((b*in+ic)*h+y)*w + xx
					v := x.Data[xIdx]
					var gsum float64
					for oc := 0; oc < out; oc++ {
						for i := 0; i < kh; i++ {
							oy := y*c.StrideH - c.PadH + i
							if oy < 0 || oy >= oh {
								continue
							}
							for j := 0; j < kw; j++ {
								ox := xx*c.StrideW - c.PadW + j
								if ox < 0 || ox >= ow {
									continue
								}
								g := gPre.Data[((b*out+oc)*oh+oy)*ow+ox]
								wIdx := ((ic*out+oc)*kh+i)*kw + j
								gsum += g * wt[wIdx]
								gw[wIdx] += g * v
							}
						}
					}
					gradIn.Data[xIdx] = gsum
				}
			}
		}
	}
	return gradIn
}
