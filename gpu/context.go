// Package gpu runs the super-resolution stages as WGSL compute shaders on a
// WebGPU device.
package gpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

var (
	// ErrNoAdapter is returned when no WebGPU adapter or device can be acquired.
	ErrNoAdapter = errors.New("gpu: no adapter available")

	// ErrShaderCompile is returned when a generated shader fails validation
	// or pipeline creation.
	ErrShaderCompile = errors.New("gpu: shader compilation failed")

	// ErrDeviceLost is returned when the device stops answering mid-submission.
	ErrDeviceLost = errors.New("gpu: device lost")
)

// Options selects an adapter.
type Options struct {
	// AdapterMatch, when set, picks the first enumerated adapter whose name
	// or vendor contains it (case-insensitive).
	AdapterMatch string
	LowPower     bool
}

// Context holds the WebGPU objects one graph submits to.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Info     wgpu.AdapterInfo
}

// NewContext acquires an adapter and device. It tries, in order, a matching
// enumerated adapter, the preferred power profile, the other profile, and
// the default adapter.
func NewContext(opts Options) (*Context, error) {
	c := &Context{Instance: wgpu.CreateInstance(nil)}
	if c.Instance == nil {
		return nil, fmt.Errorf("%w: failed to create WebGPU instance", ErrNoAdapter)
	}

	if opts.AdapterMatch != "" {
		want := strings.ToLower(opts.AdapterMatch)
		for _, a := range c.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			slogger().Debug("gpu: adapter found", "name", info.Name, "vendor", info.VendorName, "type", info.AdapterType.String())
			if c.Adapter == nil && (strings.Contains(strings.ToLower(info.Name), want) ||
				strings.Contains(strings.ToLower(info.VendorName), want)) {
				c.Adapter = a
				continue
			}
			a.Release()
		}
		if c.Adapter == nil {
			slogger().Warn("gpu: no adapter matches, falling back", "match", opts.AdapterMatch)
		}
	}

	prefs := []wgpu.PowerPreference{wgpu.PowerPreferenceHighPerformance, wgpu.PowerPreferenceLowPower}
	if opts.LowPower {
		prefs[0], prefs[1] = prefs[1], prefs[0]
	}
	var lastErr error
	for _, p := range prefs {
		if c.Adapter != nil {
			break
		}
		c.Adapter, lastErr = c.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: p})
		if lastErr != nil {
			slogger().Debug("gpu: adapter request failed", "power", p, "err", lastErr)
		}
	}
	if c.Adapter == nil {
		c.Adapter, lastErr = c.Instance.RequestAdapter(nil)
	}
	if c.Adapter == nil {
		c.Instance.Release()
		return nil, fmt.Errorf("%w: all adapter attempts failed: %v", ErrNoAdapter, lastErr)
	}

	c.Info = c.Adapter.GetInfo()
	var err error
	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		c.Adapter.Release()
		c.Instance.Release()
		return nil, fmt.Errorf("%w: request device: %v", ErrNoAdapter, err)
	}
	c.Queue = c.Device.GetQueue()

	slogger().Info("gpu: adapter selected",
		"name", c.Info.Name,
		"vendor", c.Info.VendorName,
		"backend", c.Info.BackendType.String())
	return c, nil
}

// Name describes the adapter for logs and health reports.
func (c *Context) Name() string {
	return strings.TrimSpace(c.Info.Name + " (" + c.Info.BackendType.String() + ")")
}

// Release frees the device, adapter and instance.
func (c *Context) Release() {
	c.Queue = nil
	if c.Device != nil {
		c.Device.Release()
		c.Device = nil
	}
	if c.Adapter != nil {
		c.Adapter.Release()
		c.Adapter = nil
	}
	if c.Instance != nil {
		c.Instance.Release()
		c.Instance = nil
	}
}
