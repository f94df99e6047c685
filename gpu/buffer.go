package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// MapTimeout bounds how long a readback waits for the device.
var MapTimeout = 2 * time.Second

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

// NewStorageBuffer creates a zeroed storage buffer of n 32-bit words.
func NewStorageBuffer(ctx *Context, label string, n int) (*wgpu.Buffer, error) {
	buf, err := ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: storageUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create buffer %s: %w", label, err)
	}
	return buf, nil
}

// NewFloatBuffer creates a storage buffer initialized with data.
func NewFloatBuffer(ctx *Context, label string, data []float32) (*wgpu.Buffer, error) {
	buf, err := ctx.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: wgpu.ToBytes(data),
		Usage:    storageUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create buffer %s: %w", label, err)
	}
	return buf, nil
}

// NewStagingBuffer creates a host-mappable buffer of n 32-bit words.
func NewStagingBuffer(ctx *Context, label string, n int) (*wgpu.Buffer, error) {
	buf, err := ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create staging buffer %s: %w", label, err)
	}
	return buf, nil
}

// ReadWords maps a staging buffer and copies out its first n uint32 words.
func ReadWords(ctx *Context, staging *wgpu.Buffer, n int) ([]uint32, error) {
	data, err := mapRead(ctx, staging, n)
	if err != nil {
		return nil, err
	}
	defer staging.Unmap()
	out := make([]uint32, n)
	copy(out, wgpu.FromBytes[uint32](data))
	return out, nil
}

// ReadFloats maps a staging buffer and copies out its first n floats.
func ReadFloats(ctx *Context, staging *wgpu.Buffer, n int) ([]float32, error) {
	data, err := mapRead(ctx, staging, n)
	if err != nil {
		return nil, err
	}
	defer staging.Unmap()
	out := make([]float32, n)
	copy(out, wgpu.FromBytes[float32](data))
	return out, nil
}

// mapRead maps n words of buf for reading. The caller unmaps on success.
func mapRead(ctx *Context, buf *wgpu.Buffer, n int) ([]byte, error) {
	if n <= 0 || uint64(n*4) > buf.GetSize() {
		return nil, fmt.Errorf("gpu: read %d words from a %d byte buffer", n, buf.GetSize())
	}
	sizeBytes := uint64(n * 4)

	done := make(chan struct{})
	var mapErr error
	err := buf.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		switch status {
		case wgpu.BufferMapAsyncStatusSuccess:
		case wgpu.BufferMapAsyncStatusDeviceLost:
			mapErr = ErrDeviceLost
		default:
			mapErr = fmt.Errorf("gpu: map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: MapAsync: %w", err)
	}

	timeout := time.After(MapTimeout)
Loop:
	for {
		ctx.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			buf.Unmap()
			return nil, fmt.Errorf("%w: readback timed out after %s", ErrDeviceLost, MapTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := buf.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		buf.Unmap()
		return nil, fmt.Errorf("gpu: mapped range nil")
	}
	return data, nil
}

func destroy(bufs ...*wgpu.Buffer) {
	for _, b := range bufs {
		if b != nil {
			b.Destroy()
		}
	}
}
