package gpu

import (
	"testing"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
)

func TestWorkgroup(t *testing.T) {
	assert.Equal(t, uint32(256), DefaultLimits.Workgroup())

	small := DefaultLimits
	small.MaxComputeInvocationsPerWorkgroup = 100
	assert.Equal(t, uint32(64), small.Workgroup())

	small.MaxComputeWorkgroupSizeX = 0
	assert.Equal(t, uint32(1), small.Workgroup())
}

func TestEffectiveLimitsClampToDefaults(t *testing.T) {
	var big wgpu.SupportedLimits
	big.Limits.MaxComputeInvocationsPerWorkgroup = 1024
	big.Limits.MaxComputeWorkgroupSizeX = 1024
	big.Limits.MaxComputeWorkgroupsPerDimension = 1 << 20
	big.Limits.MaxStorageBufferBindingSize = 4 << 30
	big.Limits.MaxBufferSize = 4 << 30
	assert.Equal(t, DefaultLimits, effectiveLimits(big))

	weak := big
	weak.Limits.MaxStorageBufferBindingSize = 1 << 20
	assert.Equal(t, uint64(1<<20), effectiveLimits(weak).MaxStorageBufferBindingSize)
}

func TestConv1DSpecCheck(t *testing.T) {
	spec := Conv1DSpec{Batch: 1, InChannels: 64, OutChannels: 128, KernelSize: 3, Dilation: 1, SeqLen: 22050}
	assert.NoError(t, spec.Check(DefaultLimits))

	// 64 channels of 5 s at 44.1 kHz in a batch of 16 exceed one binding
	huge := Conv1DSpec{Batch: 16, InChannels: 64, OutChannels: 64, KernelSize: 3, Dilation: 1, SeqLen: 5 * 44100}
	assert.Error(t, huge.Check(DefaultLimits))

	tight := DefaultLimits
	tight.MaxComputeWorkgroupsPerDimension = 10
	assert.Error(t, spec.Check(tight))
}

func TestShaderWorkgroupSize(t *testing.T) {
	spec := Conv1DSpec{Batch: 1, InChannels: 1, OutChannels: 1, KernelSize: 3, Dilation: 1, SeqLen: 8}
	assert.Contains(t, (&Conv1DLayer{Spec: spec}).GenerateShader(), "@workgroup_size(256)")
	assert.Contains(t, (&Conv1DLayer{Spec: spec, workgroup: 64}).GenerateShader(), "@workgroup_size(64)")
}
