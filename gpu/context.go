package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"
)

// Context holds the single WebGPU context for the process
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	// Limits bound every dispatch on Device.
	Limits Limits
	once   sync.Once
	err    error
}

var ctx Context

// GetContext returns the shared GPU context, initializing it on first use.
// Initialization failures are sticky: later calls return the same error.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = ctx.init()
	})
	if ctx.err != nil {
		return nil, ctx.err
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

// Available reports whether a GPU context can be created.
func Available() bool {
	_, err := GetContext()
	return err == nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	// Prefer a discrete NVIDIA adapter when one is enumerated.
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		Log("found adapter %s (vendor %s, type %d)", info.Name, info.VendorName, info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, lastErr = c.Instance.RequestAdapter(opts)
		if lastErr != nil {
			Log("adapter request failed: %v", lastErr)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", lastErr)
	}

	info := c.Adapter.GetInfo()
	c.Limits = effectiveLimits(c.Adapter.GetLimits())
	Logger.WithFields(logrus.Fields{
		"adapter":   info.Name,
		"vendor":    info.VendorName,
		"workgroup": c.Limits.Workgroup(),
	}).Info("using GPU adapter")

	device, err := c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Device = device
	c.Queue = device.GetQueue()
	return nil
}
