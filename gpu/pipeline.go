package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Pipeline chains an input transform, the network stages and an output
// transform into one command submission per run.
type Pipeline struct {
	ctx    *Context
	label  string
	input  *InputTransformLayer
	stages []Layer
	output *OutputTransformLayer

	staging *wgpu.Buffer
	mu      sync.Mutex
	lost    error // set once a readback fails; later runs fail fast
}

// NewPipeline allocates, compiles and binds every stage. Stage i reads the
// output buffer of stage i-1. Convolution stages stay unbound until their
// weights are uploaded.
func NewPipeline(ctx *Context, label string, input *InputTransformLayer, stages []Layer, output *OutputTransformLayer) (*Pipeline, error) {
	p := &Pipeline{ctx: ctx, label: label, input: input, stages: stages, output: output}

	all := p.layers()
	for i, l := range all {
		if i > 0 {
			l.SetInputBuffer(all[i-1].GetOutputBuffer())
		}
		if err := l.AllocateBuffers(ctx); err != nil {
			p.Release()
			return nil, fmt.Errorf("gpu: allocate %s: %w", l.Label(), err)
		}
	}
	for _, l := range all {
		if err := l.Compile(ctx); err != nil {
			p.Release()
			return nil, err
		}
		if err := l.CreateBindGroup(ctx); err != nil {
			p.Release()
			return nil, fmt.Errorf("gpu: bind %s: %w", l.Label(), err)
		}
	}

	var err error
	p.staging, err = NewStagingBuffer(ctx, label+"_Staging", output.Pixels())
	if err != nil {
		p.Release()
		return nil, err
	}
	slogger().Debug("gpu: pipeline ready", "label", label, "stages", len(all))
	return p, nil
}

func (p *Pipeline) layers() []Layer {
	all := make([]Layer, 0, len(p.stages)+2)
	all = append(all, p.input)
	all = append(all, p.stages...)
	return append(all, p.output)
}

// Run uploads packed RGBA pixels, runs every stage and returns the packed
// output pixels.
func (p *Pipeline) Run(pixels []uint32) ([]uint32, error) {
	if len(pixels) != p.input.Width*p.input.Height {
		return nil, fmt.Errorf("gpu: %d pixels, want %d", len(pixels), p.input.Width*p.input.Height)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost != nil {
		return nil, p.lost
	}
	p.ctx.Queue.WriteBuffer(p.input.InputBuffer, 0, wgpu.ToBytes(pixels))
	return p.submit(true)
}

// RunFeatures uploads an already normalized 3-channel sliced buffer and
// skips the input transform.
func (p *Pipeline) RunFeatures(features []float32) ([]uint32, error) {
	if want := FeatureLen(p.input.Width, p.input.Height, 3); len(features) != want {
		return nil, fmt.Errorf("gpu: %d feature values, want %d", len(features), want)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost != nil {
		return nil, p.lost
	}
	p.ctx.Queue.WriteBuffer(p.input.OutputBuffer, 0, wgpu.ToBytes(features))
	return p.submit(false)
}

func (p *Pipeline) submit(withInput bool) ([]uint32, error) {
	for _, l := range p.stages {
		if c, ok := l.(*ConvLayer); ok && !c.HasWeights() {
			return nil, fmt.Errorf("gpu: %s has no weights uploaded", c.Label())
		}
	}

	cmdEnc, err := p.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: create command encoder: %w", err)
	}
	pass := cmdEnc.BeginComputePass(nil)
	if withInput {
		p.input.Dispatch(pass)
	}
	for _, l := range p.stages {
		l.Dispatch(pass)
	}
	p.output.Dispatch(pass)
	pass.End()

	out := p.output.GetOutputBuffer()
	cmdEnc.CopyBufferToBuffer(out, 0, p.staging, 0, out.GetSize())
	cmd, err := cmdEnc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: command encoder finish: %w", err)
	}
	p.ctx.Queue.Submit(cmd)

	words, err := ReadWords(p.ctx, p.staging, p.output.Pixels())
	if errors.Is(err, ErrDeviceLost) {
		p.lost = fmt.Errorf("%w: %s unusable after failed readback: %v", ErrDeviceLost, p.label, err)
		slogger().Warn("gpu: pipeline lost", "label", p.label, "err", err)
	}
	return words, err
}

// Release frees every stage and the staging buffer.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.layers() {
		if l != nil {
			l.Cleanup()
		}
	}
	destroy(p.staging)
	p.staging = nil
}
