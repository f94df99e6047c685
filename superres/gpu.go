package superres

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andersio/Upscale/engine"
	"github.com/andersio/Upscale/gpu"
	"github.com/andersio/Upscale/nn"
	"github.com/andersio/Upscale/tensor"
)

// gpuExecutor encodes the whole network as one WebGPU submission per
// inference.
type gpuExecutor struct {
	ctx      *gpu.Context
	pipeline *gpu.Pipeline
	convs    []*gpu.ConvLayer
}

func newGPUExecutor(s settings, stages []stage) (*gpuExecutor, error) {
	ctx, err := gpu.NewContext(gpu.Options{AdapterMatch: s.Adapter})
	if err != nil {
		if errors.Is(err, gpu.ErrNoAdapter) {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		return nil, err
	}
	if s.precision == tensor.Float16 {
		Logger().Info("superres: GPU storage is float32, float16 precision applies to the CPU device only")
	}

	size, wg := s.InputSize, s.WorkgroupSize
	e := &gpuExecutor{ctx: ctx}
	var layers []gpu.Layer
	for _, st := range stages {
		d := st.conv.Descriptor()
		conv := gpu.NewConvLayer(gpu.ConvSpec{Layer: d, Width: size, Height: size, WorkgroupSize: wg})
		e.convs = append(e.convs, conv)
		layers = append(layers, conv)
		if st.act != nil {
			layers = append(layers, &gpu.ActivationLayer{
				Name:          st.act.Label,
				Activation:    st.act.Activation,
				Width:         size,
				Height:        size,
				Channels:      d.OutputChannels,
				WorkgroupSize: wg,
			})
		}
	}

	e.pipeline, err = gpu.NewPipeline(ctx, "superres",
		&gpu.InputTransformLayer{Width: size, Height: size, WorkgroupSize: wg},
		layers,
		&gpu.OutputTransformLayer{Width: size, Height: size, Scale: s.Scale, ColorChannels: s.ColorChannels, WorkgroupSize: wg})
	if err != nil {
		ctx.Release()
		return nil, err
	}
	return e, nil
}

func (e *gpuExecutor) name() string { return "gpu: " + e.ctx.Name() }

func (e *gpuExecutor) encode(cb *engine.CommandBuffer, req *request, params []nn.Params) error {
	err := cb.Encode("upload_weights", func(context.Context) error {
		for i, conv := range e.convs {
			if conv.HasWeights() {
				continue
			}
			if err := conv.UploadWeights(e.ctx, params[i].Weights, params[i].Bias); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return cb.Encode("dispatch", func(context.Context) error {
		var words []uint32
		var err error
		if req.features != nil {
			words, err = e.pipeline.RunFeatures(req.features.Data)
		} else {
			words, err = e.pipeline.Run(req.pixels.Packed())
		}
		if err != nil {
			if errors.Is(err, gpu.ErrDeviceLost) {
				return fmt.Errorf("%w: %v", engine.ErrDeviceLost, err)
			}
			return err
		}
		for i, w := range words {
			binary.LittleEndian.PutUint32(req.out.Pix[i*4:], w)
		}
		return nil
	})
}

func (e *gpuExecutor) purge() {
	for _, conv := range e.convs {
		conv.ReleaseWeights()
	}
}

func (e *gpuExecutor) close() {
	e.pipeline.Release()
	e.ctx.Release()
}
