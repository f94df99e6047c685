package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/andersio/Upscale/nn"
)

// ConvSpec configures a same-padded, stride-1 convolution over a sliced
// feature buffer.
type ConvSpec struct {
	Layer         nn.LayerDescriptor
	Width         int
	Height        int
	WorkgroupSize int
}

// ConvLayer holds GPU resources for one convolution with fused activation.
type ConvLayer struct {
	Spec ConvSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	BiasBuffer   *wgpu.Buffer
}

func NewConvLayer(spec ConvSpec) *ConvLayer {
	if spec.WorkgroupSize < 1 {
		spec.WorkgroupSize = DefaultWorkgroupSize
	}
	return &ConvLayer{Spec: spec}
}

func (l *ConvLayer) Label() string                   { return l.Spec.Layer.Label }
func (l *ConvLayer) SetInputBuffer(buf *wgpu.Buffer) { l.InputBuffer = buf }
func (l *ConvLayer) GetInputBuffer() *wgpu.Buffer    { return l.InputBuffer }
func (l *ConvLayer) GetOutputBuffer() *wgpu.Buffer   { return l.OutputBuffer }
func (l *ConvLayer) HasWeights() bool                { return l.WeightBuffer != nil && l.bindGroup != nil }
func (l *ConvLayer) outputSlices() int               { return (l.Spec.Layer.OutputChannels + 3) / 4 }

func (l *ConvLayer) AllocateBuffers(ctx *Context) error {
	var err error
	n := FeatureLen(l.Spec.Width, l.Spec.Height, l.Spec.Layer.OutputChannels)
	l.OutputBuffer, err = NewStorageBuffer(ctx, l.Label()+"_Out", n)
	return err
}

func (l *ConvLayer) GenerateShader() string {
	d := l.Spec.Layer
	padTop, padLeft := d.Padding()
	wg := wgSize(l.Spec.WorkgroupSize)

	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> src : array<f32>;
@group(0) @binding(1) var<storage, read> weights : array<f32>;
@group(0) @binding(2) var<storage, read> bias : array<f32>;
@group(0) @binding(3) var<storage, read_write> dst : array<f32>;

const W: u32 = %du;
const H: u32 = %du;
const IN_CH: u32 = %du;
const OUT_CH: u32 = %du;
const KW: u32 = %du;
const KH: u32 = %du;
const PAD_TOP: i32 = %d;
const PAD_LEFT: i32 = %d;
%s

fn at(c: u32, y: u32, x: u32) -> f32 {
    return src[(((c / 4u) * H + y) * W + x) * 4u + c %% 4u];
}

@compute @workgroup_size(%d, %d, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let x = gid.x;
    let y = gid.y;
    let slice = gid.z;
    if (x >= W || y >= H) { return; }

    for (var lane: u32 = 0u; lane < 4u; lane++) {
        let o = slice * 4u + lane;
        let out_idx = ((slice * H + y) * W + x) * 4u + lane;
        if (o >= OUT_CH) {
            dst[out_idx] = 0.0;
            continue;
        }

        var sum: f32 = bias[o];
        for (var ky: u32 = 0u; ky < KH; ky++) {
            let iy = i32(y) + i32(ky) - PAD_TOP;
            if (iy < 0 || iy >= i32(H)) { continue; }
            for (var kx: u32 = 0u; kx < KW; kx++) {
                let ix = i32(x) + i32(kx) - PAD_LEFT;
                if (ix < 0 || ix >= i32(W)) { continue; }
                // weights: [OUT_CH, KH, KW, IN_CH]
                let base = ((o * KH + ky) * KW + kx) * IN_CH;
                for (var c: u32 = 0u; c < IN_CH; c++) {
                    sum += at(c, u32(iy), u32(ix)) * weights[base + c];
                }
            }
        }
        dst[out_idx] = activate(sum);
    }
}
`, l.Spec.Width, l.Spec.Height, d.InputChannels, d.OutputChannels,
		d.KernelWidth, d.KernelHeight, padTop, padLeft,
		activationWGSL(d.Activation), wg, wg)
}

func (l *ConvLayer) Compile(ctx *Context) error {
	var err error
	l.pipeline, err = compilePipeline(ctx, l.Label(), l.GenerateShader())
	return err
}

// CreateBindGroup binds the buffers. Without weights it does nothing;
// UploadWeights binds once they exist.
func (l *ConvLayer) CreateBindGroup(ctx *Context) error {
	if l.WeightBuffer == nil || l.BiasBuffer == nil {
		return nil
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	var err error
	l.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  l.Label() + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

// UploadWeights writes weights and bias, creating and binding the buffers
// after a purge.
func (l *ConvLayer) UploadWeights(ctx *Context, weights, bias []float32) error {
	d := l.Spec.Layer
	if len(weights) != d.WeightCount() || len(bias) != d.BiasCount() {
		return fmt.Errorf("gpu: %s: got %d weights and %d biases, want %d and %d",
			d.Label, len(weights), len(bias), d.WeightCount(), d.BiasCount())
	}
	if l.WeightBuffer != nil && l.BiasBuffer != nil {
		ctx.Queue.WriteBuffer(l.WeightBuffer, 0, wgpu.ToBytes(weights))
		ctx.Queue.WriteBuffer(l.BiasBuffer, 0, wgpu.ToBytes(bias))
		return nil
	}

	var err error
	if l.WeightBuffer, err = NewFloatBuffer(ctx, d.Label+"_Weights", weights); err != nil {
		return err
	}
	if l.BiasBuffer, err = NewFloatBuffer(ctx, d.Label+"_Bias", bias); err != nil {
		return err
	}
	slogger().Debug("gpu: weights uploaded", "layer", d.Label, "bytes", 4*(len(weights)+len(bias)))
	return l.CreateBindGroup(ctx)
}

// ReleaseWeights frees the weight and bias buffers.
func (l *ConvLayer) ReleaseWeights() {
	if l.bindGroup != nil {
		l.bindGroup.Release()
		l.bindGroup = nil
	}
	destroy(l.WeightBuffer, l.BiasBuffer)
	l.WeightBuffer, l.BiasBuffer = nil, nil
}

func (l *ConvLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	wg := l.Spec.WorkgroupSize
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(groups(l.Spec.Width, wg), groups(l.Spec.Height, wg), uint32(l.outputSlices()))
}

func (l *ConvLayer) Cleanup() {
	l.ReleaseWeights()
	destroy(l.OutputBuffer)
	l.OutputBuffer = nil
	if l.pipeline != nil {
		l.pipeline.Release()
		l.pipeline = nil
	}
}
