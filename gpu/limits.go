package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// Limits are the device limits that bound a single compute dispatch.
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// DefaultLimits are the WebGPU baseline limits every device grants when
// none are requested.
var DefaultLimits = Limits{
	MaxComputeInvocationsPerWorkgroup: 256,
	MaxComputeWorkgroupSizeX:          256,
	MaxComputeWorkgroupsPerDimension:  65535,
	MaxStorageBufferBindingSize:       128 << 20,
	MaxBufferSize:                     256 << 20,
}

// effectiveLimits clamps adapter limits to the defaults, since the device
// is requested without raising any limit.
func effectiveLimits(l wgpu.SupportedLimits) Limits {
	a := l.Limits
	return Limits{
		MaxComputeInvocationsPerWorkgroup: min(a.MaxComputeInvocationsPerWorkgroup, DefaultLimits.MaxComputeInvocationsPerWorkgroup),
		MaxComputeWorkgroupSizeX:          min(a.MaxComputeWorkgroupSizeX, DefaultLimits.MaxComputeWorkgroupSizeX),
		MaxComputeWorkgroupsPerDimension:  min(a.MaxComputeWorkgroupsPerDimension, DefaultLimits.MaxComputeWorkgroupsPerDimension),
		MaxStorageBufferBindingSize:       min(a.MaxStorageBufferBindingSize, DefaultLimits.MaxStorageBufferBindingSize),
		MaxBufferSize:                     min(a.MaxBufferSize, DefaultLimits.MaxBufferSize),
	}
}

// Workgroup picks the largest 1D workgroup size the limits allow.
func (l Limits) Workgroup() uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeInvocationsPerWorkgroup {
			return c
		}
	}
	return 1
}

// Report describes the adapter behind the shared context.
type Report struct {
	Name        string   `json:"name"`
	Vendor      string   `json:"vendor"`
	Driver      string   `json:"driver"`
	Backend     string   `json:"backend"`
	AdapterType string   `json:"adapter_type"`
	Limits      Limits   `json:"limits"`
	Workgroup   uint32   `json:"workgroup"`
	Features    []string `json:"features,omitempty"`
}

// Describe initialises the shared context if needed and reports on it.
func Describe() (*Report, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	info := c.Adapter.GetInfo()
	rep := &Report{
		Name:        strings.TrimSpace(info.Name),
		Vendor:      strings.TrimSpace(info.VendorName),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		Limits:      c.Limits,
		Workgroup:   c.Limits.Workgroup(),
	}
	for _, f := range c.Adapter.EnumerateFeatures() {
		rep.Features = append(rep.Features, f.String())
	}
	return rep, nil
}

// Check reports whether the convolution fits in one dispatch under l.
func (s Conv1DSpec) Check(l Limits) error {
	for name, n := range map[string]int{
		"input":  s.inputSize(),
		"output": s.outputSize(),
		"weight": s.weightSize(),
	} {
		if bytes := uint64(n) * 4; bytes > l.MaxStorageBufferBindingSize || bytes > l.MaxBufferSize {
			return fmt.Errorf("conv1d %s buffer needs %d bytes, device allows %d", name, bytes, min(l.MaxStorageBufferBindingSize, l.MaxBufferSize))
		}
	}
	wg := l.Workgroup()
	if groups := (uint64(s.outputSize()) + uint64(wg) - 1) / uint64(wg); groups > uint64(l.MaxComputeWorkgroupsPerDimension) {
		return fmt.Errorf("conv1d needs %d workgroups, device allows %d per dimension", groups, l.MaxComputeWorkgroupsPerDimension)
	}
	return nil
}
