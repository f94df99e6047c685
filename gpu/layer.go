package gpu

import "github.com/openfluke/webgpu/wgpu"

// Layer is one compute stage of a Pipeline.
type Layer interface {
	Label() string

	// Initialization, in this order. SetInputBuffer chains the previous
	// stage's output before AllocateBuffers.
	SetInputBuffer(buf *wgpu.Buffer)
	AllocateBuffers(ctx *Context) error
	GenerateShader() string
	Compile(ctx *Context) error
	CreateBindGroup(ctx *Context) error

	// Execution
	Dispatch(pass *wgpu.ComputePassEncoder)

	GetInputBuffer() *wgpu.Buffer
	GetOutputBuffer() *wgpu.Buffer

	Cleanup()
}

// FeatureLen is the number of floats in a sliced feature buffer.
func FeatureLen(width, height, channels int) int {
	return (channels + 3) / 4 * width * height * 4
}
