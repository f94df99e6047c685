// Package detector probes WebGPU adapters and reports whether they can run
// the super-resolution pipeline.
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

/* ---------- public API ---------- */

// Report is a portable summary of one adapter's caps.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"`
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupSizeY          uint32 `json:"max_compute_workgroup_size_y"`
	MaxComputeWorkgroupSizeZ          uint32 `json:"max_compute_workgroup_size_z"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxStorageBuffersPerShaderStage   uint32 `json:"max_storage_buffers_per_shader_stage"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	// Edge of the square 2D workgroup used by every stage.
	WorkgroupSize int `json:"workgroup_size"`

	// Whether the workload's largest buffer and widest dispatch fit the limits.
	Supported bool   `json:"supported"`
	Reason    string `json:"reason,omitempty"`
}

// Workload describes the pipeline shape to check against adapter limits.
type Workload struct {
	InputSize       int
	Scale           int
	ColorChannels   int
	FeatureChannels int
}

// LargestBuffer returns the size in bytes of the biggest storage buffer the
// pipeline allocates.
func (w Workload) LargestBuffer() uint64 {
	sliced := func(ch int) int { return (ch + 3) / 4 * 4 * w.InputSize * w.InputSize }
	n := sliced(w.FeatureChannels)
	if s := sliced(w.ColorChannels * w.Scale * w.Scale); s > n {
		n = s
	}
	if px := w.InputSize * w.Scale * w.InputSize * w.Scale; px > n {
		n = px
	}
	return uint64(n) * 4
}

// DetectJSON runs a probe and returns the JSON string.
func DetectJSON(w Workload) (string, error) {
	reps, err := Detect(w)
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(reps, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect enumerates every adapter and reports its fitness for w.
func Detect(w Workload) ([]Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("detector: wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		a, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
			PowerPreference: wgpu.PowerPreferenceHighPerformance,
		})
		if err != nil || a == nil {
			return nil, fmt.Errorf("detector: no adapter: %v", err)
		}
		adapters = append(adapters, a)
	}

	reports := make([]Report, 0, len(adapters))
	for _, a := range adapters {
		reports = append(reports, probe(a, w))
		a.Release()
	}
	return reports, nil
}

func probe(adapter *wgpu.Adapter, w Workload) Report {
	info := adapter.GetInfo()
	supported := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	limits := Limits{
		MaxComputeInvocationsPerWorkgroup: supported.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          supported.Limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupSizeY:          supported.Limits.MaxComputeWorkgroupSizeY,
		MaxComputeWorkgroupSizeZ:          supported.Limits.MaxComputeWorkgroupSizeZ,
		MaxComputeWorkgroupsPerDimension:  supported.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       supported.Limits.MaxStorageBufferBindingSize,
		MaxStorageBuffersPerShaderStage:   supported.Limits.MaxStorageBuffersPerShaderStage,
		MaxBufferSize:                     supported.Limits.MaxBufferSize,
	}

	return Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits:      limits,
		Features:    feats,
		Recommended: Recommend(limits, w),
		Env:         pickEnv([]string{"WGPU_BACKEND", "WGPU_ADAPTER_NAME", "WGPU_POWER_PREF"}),
	}
}

// Recommend picks a workgroup size and checks w against limits.
func Recommend(l Limits, w Workload) Recommendations {
	r := Recommendations{WorkgroupSize: chooseWorkgroup(l), Supported: true}

	switch need := w.LargestBuffer(); {
	case l.MaxStorageBufferBindingSize > 0 && need > l.MaxStorageBufferBindingSize:
		r.Supported = false
		r.Reason = fmt.Sprintf("needs a %d byte storage binding, limit is %d", need, l.MaxStorageBufferBindingSize)
	case l.MaxStorageBuffersPerShaderStage > 0 && l.MaxStorageBuffersPerShaderStage < 4:
		r.Supported = false
		r.Reason = fmt.Sprintf("needs 4 storage buffers per stage, limit is %d", l.MaxStorageBuffersPerShaderStage)
	}
	if r.Supported && l.MaxComputeWorkgroupsPerDimension > 0 {
		edge := uint32((w.InputSize*w.Scale + r.WorkgroupSize - 1) / r.WorkgroupSize)
		if edge > l.MaxComputeWorkgroupsPerDimension {
			r.Supported = false
			r.Reason = fmt.Sprintf("needs %d workgroups per dimension, limit is %d", edge, l.MaxComputeWorkgroupsPerDimension)
		}
	}
	return r
}

/* ---------- helpers ---------- */

func chooseWorkgroup(l Limits) int {
	for _, c := range []uint32{16, 8, 4, 2, 1} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeWorkgroupSizeY &&
			c*c <= l.MaxComputeInvocationsPerWorkgroup {
			return int(c)
		}
	}
	return 1
}

func detectRuntime() string {
	return runtime.GOOS + "/" + runtime.GOARCH + " " + runtime.Version()
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
