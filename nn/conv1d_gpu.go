package nn

import (
	"fmt"

	"github.com/openfluke/diffwave/gpu"
)

// forwardGPU runs the convolution through a compiled WebGPU kernel. The
// kernel is recompiled whenever the batch or sequence length changes.
func (c *Conv1D) forwardGPU(x *Tensor) (*Tensor, error) {
	ctx, err := gpu.GetContext()
	if err != nil {
		return nil, fmt.Errorf("failed to get GPU context: %w", err)
	}

	spec := gpu.Conv1DSpec{
		Batch:       x.Shape[0],
		InChannels:  c.InChannels,
		OutChannels: c.OutChannels,
		KernelSize:  c.KernelSize,
		Dilation:    c.Dilation,
		SeqLen:      x.Shape[2],
	}

	c.gpuMu.Lock()
	defer c.gpuMu.Unlock()

	if c.gpuLayer == nil || !c.gpuLayer.Matches(spec) {
		if c.gpuLayer != nil {
			c.gpuLayer.Cleanup()
			c.gpuLayer = nil
		}
		layer, err := gpu.NewConv1DLayer(ctx, spec, c.Weight.Name)
		if err != nil {
			return nil, err
		}
		c.gpuLayer = layer
	}

	out, err := c.gpuLayer.Run(ctx, toFloat32(x.Data), toFloat32(c.Weight.Value.Data), toFloat32(c.Bias.Value.Data))
	if err != nil {
		return nil, err
	}
	pre := NewTensor(x.Shape[0], c.OutChannels, x.Shape[2])
	for i, v := range out {
		pre.Data[i] = float64(v)
	}
	return pre, nil
}

// ReleaseGPU frees any compiled kernel held by the layer.
func (c *Conv1D) ReleaseGPU() {
	c.gpuMu.Lock()
	defer c.gpuMu.Unlock()
	if c.gpuLayer != nil {
		c.gpuLayer.Cleanup()
		c.gpuLayer = nil
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
