package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/andersio/Upscale/nn"
)

// ActivationLayer applies an activation in place to a sliced feature buffer.
type ActivationLayer struct {
	Name          string
	Activation    nn.Activation
	Width         int
	Height        int
	Channels      int
	WorkgroupSize int

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
	Buffer    *wgpu.Buffer
}

func (l *ActivationLayer) Label() string                   { return l.Name }
func (l *ActivationLayer) SetInputBuffer(buf *wgpu.Buffer) { l.Buffer = buf }
func (l *ActivationLayer) GetInputBuffer() *wgpu.Buffer    { return l.Buffer }
func (l *ActivationLayer) GetOutputBuffer() *wgpu.Buffer   { return l.Buffer }

// AllocateBuffers allocates nothing: the layer works on its input.
func (l *ActivationLayer) AllocateBuffers(ctx *Context) error {
	if l.WorkgroupSize < 1 {
		l.WorkgroupSize = DefaultWorkgroupSize
	}
	return nil
}

func (l *ActivationLayer) GenerateShader() string {
	wg := wgSize(l.WorkgroupSize)
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read_write> buf : array<f32>;

const W: u32 = %du;
const H: u32 = %du;
%s

@compute @workgroup_size(%d, %d, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x >= W || gid.y >= H) { return; }
    let base = ((gid.z * H + gid.y) * W + gid.x) * 4u;
    for (var lane: u32 = 0u; lane < 4u; lane++) {
        buf[base + lane] = activate(buf[base + lane]);
    }
}
`, l.Width, l.Height, activationWGSL(l.Activation), wg, wg)
}

func (l *ActivationLayer) Compile(ctx *Context) error {
	var err error
	l.pipeline, err = compilePipeline(ctx, l.Name, l.GenerateShader())
	return err
}

func (l *ActivationLayer) CreateBindGroup(ctx *Context) error {
	var err error
	l.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  l.Name + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.Buffer, Size: l.Buffer.GetSize()},
		},
	})
	return err
}

func (l *ActivationLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(groups(l.Width, l.WorkgroupSize), groups(l.Height, l.WorkgroupSize), uint32((l.Channels+3)/4))
}

func (l *ActivationLayer) Cleanup() {
	if l.bindGroup != nil {
		l.bindGroup.Release()
		l.bindGroup = nil
	}
	if l.pipeline != nil {
		l.pipeline.Release()
		l.pipeline = nil
	}
}
