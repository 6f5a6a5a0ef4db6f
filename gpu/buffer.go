package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ReadTimeout bounds how long a buffer readback may wait for the device.
var ReadTimeout = 2 * time.Second

// NewFloatBuffer creates a buffer initialised with data
func NewFloatBuffer(c *Context, data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %w", err)
	}
	return buf, nil
}

// readStaging maps a MapRead staging buffer and copies out size floats.
func readStaging(c *Context, buf *wgpu.Buffer, size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("readStaging: invalid size %d", size)
	}
	wantBytes := uint64(size) * 4
	if wantBytes > buf.GetSize() {
		return nil, fmt.Errorf("readStaging: requested %d bytes but buffer holds %d", wantBytes, buf.GetSize())
	}

	done := make(chan struct{})
	var mapErr error
	err := buf.MapAsync(wgpu.MapModeRead, 0, wantBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("MapAsync failed: %w", err)
	}

	timeout := time.After(ReadTimeout)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("buffer readback timed out after %s", ReadTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := buf.GetMappedRange(0, uint(wantBytes))
	defer buf.Unmap()
	if data == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	out := make([]float32, size)
	copy(out, wgpu.FromBytes[float32](data)[:size])
	return out, nil
}
