package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Conv1DSpec defines a length-preserving dilated 1D convolution
type Conv1DSpec struct {
	Batch       int // Examples per dispatch
	InChannels  int // Input channels
	OutChannels int // Output channels (filters)
	KernelSize  int // Odd kernel size
	Dilation    int // Spacing between kernel taps
	SeqLen      int // Input and output sequence length
}

// Padding returns the symmetric zero padding that keeps SeqLen unchanged.
func (s Conv1DSpec) Padding() int {
	return s.Dilation * (s.KernelSize - 1) / 2
}

func (s Conv1DSpec) inputSize() int  { return s.Batch * s.InChannels * s.SeqLen }
func (s Conv1DSpec) outputSize() int { return s.Batch * s.OutChannels * s.SeqLen }
func (s Conv1DSpec) weightSize() int { return s.OutChannels * s.InChannels * s.KernelSize }

// Conv1DLayer holds GPU resources for one compiled convolution shape.
// Weights are uploaded on every Run so the CPU copy stays authoritative.
type Conv1DLayer struct {
	Spec      Conv1DSpec
	workgroup uint32

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer   *wgpu.Buffer
	OutputBuffer  *wgpu.Buffer
	StagingBuffer *wgpu.Buffer
	WeightBuffer  *wgpu.Buffer
	BiasBuffer    *wgpu.Buffer
}

// NewConv1DLayer allocates buffers, compiles the shader and binds resources.
func NewConv1DLayer(c *Context, spec Conv1DSpec, label string) (*Conv1DLayer, error) {
	if spec.Batch < 1 || spec.InChannels < 1 || spec.OutChannels < 1 || spec.SeqLen < 1 {
		return nil, fmt.Errorf("conv1d %s: invalid spec %+v", label, spec)
	}
	if spec.KernelSize < 1 || spec.KernelSize%2 == 0 || spec.Dilation < 1 {
		return nil, fmt.Errorf("conv1d %s: invalid kernel %d / dilation %d", label, spec.KernelSize, spec.Dilation)
	}
	if err := spec.Check(c.Limits); err != nil {
		return nil, err
	}
	l := &Conv1DLayer{Spec: spec, workgroup: c.Limits.Workgroup()}
	if err := l.allocateBuffers(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.compile(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	return l, nil
}

func (l *Conv1DLayer) workgroupSize() uint32 {
	if l.workgroup == 0 {
		return 256
	}
	return l.workgroup
}

// Matches reports whether the compiled layer can serve spec.
func (l *Conv1DLayer) Matches(spec Conv1DSpec) bool {
	return l.Spec == spec
}

func (l *Conv1DLayer) allocateBuffers(c *Context, label string) error {
	storage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	var err error

	l.InputBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "_In",
		Size:  uint64(l.Spec.inputSize() * 4),
		Usage: storage,
	})
	if err != nil {
		return err
	}
	l.OutputBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "_Out",
		Size:  uint64(l.Spec.outputSize() * 4),
		Usage: storage,
	})
	if err != nil {
		return err
	}
	l.WeightBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "_W",
		Size:  uint64(l.Spec.weightSize() * 4),
		Usage: storage,
	})
	if err != nil {
		return err
	}
	l.BiasBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "_B",
		Size:  uint64(l.Spec.OutChannels * 4),
		Usage: storage,
	})
	if err != nil {
		return err
	}
	l.StagingBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "_Staging",
		Size:  uint64(l.Spec.outputSize() * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	return err
}

// GenerateShader returns the WGSL source for the compiled shape.
// Layouts match the CPU implementation:
// input[b][ic][pos], weights[oc][ic][k], output[b][oc][pos]
func (l *Conv1DLayer) GenerateShader() string {
	s := l.Spec
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read> bias : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;

		const BATCH: u32 = %du;
		const SEQ_LEN: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const KERNEL_SIZE: u32 = %du;
		const DILATION: u32 = %du;
		const PADDING: u32 = %du;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= BATCH * OUT_CH * SEQ_LEN) { return; }

			let b = idx / (OUT_CH * SEQ_LEN);
			let rem = idx %% (OUT_CH * SEQ_LEN);
			let out_c = rem / SEQ_LEN;
			let out_pos = rem %% SEQ_LEN;

			var sum: f32 = bias[out_c];
			for (var k: u32 = 0u; k < KERNEL_SIZE; k++) {
				let in_pos_signed = i32(out_pos + k * DILATION) - i32(PADDING);
				if (in_pos_signed >= 0 && u32(in_pos_signed) < SEQ_LEN) {
					let in_pos = u32(in_pos_signed);
					for (var in_c: u32 = 0u; in_c < IN_CH; in_c++) {
						let w_idx = out_c * IN_CH * KERNEL_SIZE + in_c * KERNEL_SIZE + k;
						let i_idx = b * IN_CH * SEQ_LEN + in_c * SEQ_LEN + in_pos;
						sum += input[i_idx] * weights[w_idx];
					}
				}
			}
			output[idx] = sum;
		}
	`, s.Batch, s.SeqLen, s.InChannels, s.OutChannels, s.KernelSize, s.Dilation, s.Padding(), l.workgroupSize())
}

func (l *Conv1DLayer) compile(c *Context, label string) error {
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return err
	}
	defer mod.Release()

	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return err
	}

	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  label + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

// Run uploads input, weights and bias, dispatches the kernel and reads the
// output back.
func (l *Conv1DLayer) Run(c *Context, input, weights, bias []float32) ([]float32, error) {
	if len(input) != l.Spec.inputSize() || len(weights) != l.Spec.weightSize() || len(bias) != l.Spec.OutChannels {
		return nil, fmt.Errorf("conv1d run: got input %d weights %d bias %d for spec %+v",
			len(input), len(weights), len(bias), l.Spec)
	}
	c.Queue.WriteBuffer(l.InputBuffer, 0, wgpu.ToBytes(input))
	c.Queue.WriteBuffer(l.WeightBuffer, 0, wgpu.ToBytes(weights))
	c.Queue.WriteBuffer(l.BiasBuffer, 0, wgpu.ToBytes(bias))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	total := l.Spec.outputSize()
	wg := int(l.workgroupSize())
	pass.DispatchWorkgroups(uint32((total+wg-1)/wg), 1, 1)
	pass.End()
	enc.CopyBufferToBuffer(l.OutputBuffer, 0, l.StagingBuffer, 0, l.OutputBuffer.GetSize())

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("command encoder finish: %w", err)
	}
	c.Queue.Submit(cmd)
	Log("conv1d dispatched %d outputs", total)

	return readStaging(c, l.StagingBuffer, total)
}

// Cleanup releases all GPU resources held by the layer.
func (l *Conv1DLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.InputBuffer, l.OutputBuffer, l.StagingBuffer, l.WeightBuffer, l.BiasBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
}
