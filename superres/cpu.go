package superres

import (
	"context"

	"github.com/andersio/Upscale/engine"
	"github.com/andersio/Upscale/nn"
	"github.com/andersio/Upscale/tensor"
)

// cpuExecutor runs every stage on host goroutines with arena-backed
// feature maps.
type cpuExecutor struct {
	arena  *tensor.Arena
	stages []stage
	size   int
	output nn.OutputTransform
}

func newCPUExecutor(s settings, stages []stage) *cpuExecutor {
	return &cpuExecutor{
		arena:  tensor.NewArena(s.precision),
		stages: stages,
		size:   s.InputSize,
		output: nn.OutputTransform{Scale: s.Scale, ColorChannels: s.ColorChannels},
	}
}

func (e *cpuExecutor) name() string { return "cpu" }

func (e *cpuExecutor) encode(cb *engine.CommandBuffer, req *request, params []nn.Params) error {
	shape := tensor.Shape{Width: e.size, Height: e.size, Channels: 3}
	in := e.arena.Acquire(shape)
	handles := []tensor.Handle{in}
	if err := cb.AddCleanup(func() {
		for _, h := range handles {
			e.arena.Release(h)
		}
	}); err != nil {
		e.arena.Release(in)
		return err
	}

	err := cb.Encode("input_transform", func(context.Context) error {
		dst, err := e.arena.Get(in)
		if err != nil {
			return err
		}
		if req.features != nil {
			return nn.InputTransform{}.FromFeatureMap(req.features, dst)
		}
		return nn.InputTransform{}.Forward(req.pixels, dst)
	})
	if err != nil {
		return err
	}

	src := in
	for i, st := range e.stages {
		shape = st.conv.OutputShape(shape)
		dst := e.arena.Acquire(shape)
		handles = append(handles, dst)

		conv, p, from := st.conv, params[i], src
		err := cb.Encode(conv.Descriptor().Label, func(context.Context) error {
			a, err := e.arena.Get(from)
			if err != nil {
				return err
			}
			b, err := e.arena.Get(dst)
			if err != nil {
				return err
			}
			conv.Convolve(p, a, b)
			return nil
		})
		if err != nil {
			return err
		}

		if act := st.act; act != nil {
			err := cb.Encode(act.Label, func(context.Context) error {
				fm, err := e.arena.Get(dst)
				if err != nil {
					return err
				}
				act.Forward(fm)
				return nil
			})
			if err != nil {
				return err
			}
		}
		src = dst
	}

	return cb.Encode("output_transform", func(context.Context) error {
		fm, err := e.arena.Get(src)
		if err != nil {
			return err
		}
		return e.output.Forward(fm, req.out)
	})
}

func (e *cpuExecutor) purge() {}

func (e *cpuExecutor) close() {}
