package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// InputTransformLayer unpacks RGBA8 pixels into a 3-channel sliced buffer
// holding v/255.
type InputTransformLayer struct {
	Width         int
	Height        int
	WorkgroupSize int

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer // one packed u32 per pixel
	OutputBuffer *wgpu.Buffer
}

func (l *InputTransformLayer) Label() string                   { return "input_transform" }
func (l *InputTransformLayer) SetInputBuffer(buf *wgpu.Buffer) { l.InputBuffer = buf }
func (l *InputTransformLayer) GetInputBuffer() *wgpu.Buffer    { return l.InputBuffer }
func (l *InputTransformLayer) GetOutputBuffer() *wgpu.Buffer   { return l.OutputBuffer }

func (l *InputTransformLayer) AllocateBuffers(ctx *Context) error {
	if l.WorkgroupSize < 1 {
		l.WorkgroupSize = DefaultWorkgroupSize
	}
	var err error
	if l.InputBuffer == nil {
		if l.InputBuffer, err = NewStorageBuffer(ctx, "Pixels_In", l.Width*l.Height); err != nil {
			return err
		}
	}
	l.OutputBuffer, err = NewStorageBuffer(ctx, "Features_In", FeatureLen(l.Width, l.Height, 3))
	return err
}

func (l *InputTransformLayer) GenerateShader() string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> src : array<u32>;
@group(0) @binding(1) var<storage, read_write> dst : array<f32>;

const W: u32 = %du;
const H: u32 = %du;

@compute @workgroup_size(%d, %d, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x >= W || gid.y >= H) { return; }
    let p = src[gid.y * W + gid.x];
    let base = (gid.y * W + gid.x) * 4u;
    dst[base + 0u] = f32(p & 0xffu) / 255.0;
    dst[base + 1u] = f32((p >> 8u) & 0xffu) / 255.0;
    dst[base + 2u] = f32((p >> 16u) & 0xffu) / 255.0;
    dst[base + 3u] = 0.0;
}
`, l.Width, l.Height, wgSize(l.WorkgroupSize), wgSize(l.WorkgroupSize))
}

func (l *InputTransformLayer) Compile(ctx *Context) error {
	var err error
	l.pipeline, err = compilePipeline(ctx, l.Label(), l.GenerateShader())
	return err
}

func (l *InputTransformLayer) CreateBindGroup(ctx *Context) error {
	var err error
	l.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "InputTransform_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

func (l *InputTransformLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(groups(l.Width, l.WorkgroupSize), groups(l.Height, l.WorkgroupSize), 1)
}

func (l *InputTransformLayer) Cleanup() {
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	destroy(l.InputBuffer, l.OutputBuffer)
	l.bindGroup, l.pipeline, l.InputBuffer, l.OutputBuffer = nil, nil, nil, nil
}

// OutputTransformLayer pixel-shuffles a colors×scale² channel buffer into
// packed RGBA8 pixels with opaque alpha.
type OutputTransformLayer struct {
	Width         int // input width
	Height        int // input height
	Scale         int
	ColorChannels int
	WorkgroupSize int

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
}

func (l *OutputTransformLayer) Label() string                   { return "output_transform" }
func (l *OutputTransformLayer) SetInputBuffer(buf *wgpu.Buffer) { l.InputBuffer = buf }
func (l *OutputTransformLayer) GetInputBuffer() *wgpu.Buffer    { return l.InputBuffer }
func (l *OutputTransformLayer) GetOutputBuffer() *wgpu.Buffer   { return l.OutputBuffer }

// Pixels is the number of output pixels.
func (l *OutputTransformLayer) Pixels() int {
	return l.Width * l.Scale * l.Height * l.Scale
}

func (l *OutputTransformLayer) AllocateBuffers(ctx *Context) error {
	if l.WorkgroupSize < 1 {
		l.WorkgroupSize = DefaultWorkgroupSize
	}
	var err error
	l.OutputBuffer, err = NewStorageBuffer(ctx, "Pixels_Out", l.Pixels())
	return err
}

func (l *OutputTransformLayer) GenerateShader() string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> src : array<f32>;
@group(0) @binding(1) var<storage, read_write> dst : array<u32>;

const W: u32 = %du;
const H: u32 = %du;
const S: u32 = %du;
const MONO: bool = %t;

fn quantize(v: f32) -> u32 {
    return u32(clamp(floor(v * 255.0 + 0.5), 0.0, 255.0));
}

fn sample(c: u32, x: u32, y: u32, row: u32, col: u32) -> f32 {
    let ch = c * S * S + row * S + col;
    return src[(((ch / 4u) * H + y) * W + x) * 4u + ch %% 4u];
}

@compute @workgroup_size(%d, %d, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let X = gid.x;
    let Y = gid.y;
    if (X >= W * S || Y >= H * S) { return; }
    let x = X / S;
    let col = X %% S;
    let y = Y / S;
    let row = Y %% S;

    var rgb = vec3<u32>(0u, 0u, 0u);
    for (var c: u32 = 0u; c < 3u; c++) {
        var cc = c;
        if (MONO) { cc = 0u; }
        rgb[c] = quantize(sample(cc, x, y, row, col));
    }
    dst[Y * W * S + X] = rgb.x | (rgb.y << 8u) | (rgb.z << 16u) | (255u << 24u);
}
`, l.Width, l.Height, l.Scale, l.ColorChannels == 1, wgSize(l.WorkgroupSize), wgSize(l.WorkgroupSize))
}

func (l *OutputTransformLayer) Compile(ctx *Context) error {
	var err error
	l.pipeline, err = compilePipeline(ctx, l.Label(), l.GenerateShader())
	return err
}

func (l *OutputTransformLayer) CreateBindGroup(ctx *Context) error {
	var err error
	l.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "OutputTransform_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

func (l *OutputTransformLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	wg := l.WorkgroupSize
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(groups(l.Width*l.Scale, wg), groups(l.Height*l.Scale, wg), 1)
}

func (l *OutputTransformLayer) Cleanup() {
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	destroy(l.OutputBuffer)
	l.bindGroup, l.pipeline, l.OutputBuffer = nil, nil, nil
}
