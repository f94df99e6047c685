package nn

import (
	"fmt"
	"sync"

	"github.com/andersio/Upscale/tensor"
	"github.com/andersio/Upscale/weights"
)

// LayerState is the weight residency of a layer.
type LayerState int

const (
	LayerUnloaded LayerState = iota
	LayerLoaded
)

func (s LayerState) String() string {
	if s == LayerLoaded {
		return "loaded"
	}
	return "unloaded"
}

// Params is a snapshot of loaded weights and bias. It stays valid until the
// matching Release.
type Params struct {
	Weights []float32
	Bias    []float32
}

// WeightedLayer is anything whose weights can be loaded, pinned and purged.
type WeightedLayer interface {
	Descriptor() LayerDescriptor
	State() LayerState
	Load() error
	Purge() error
	Acquire() (Params, error)
	Release()
}

// ConvLayer is a stride-1, same-padded 2D convolution (cross-correlation)
// with bias and a fused activation.
type ConvLayer struct {
	desc   LayerDescriptor
	source weights.Pair
	mode   weights.Normalization

	mu       sync.Mutex
	state    LayerState
	params   Params
	inflight int
	loads    int
}

// NewConvLayer validates desc. Weights are not read until Load or the first forward.
func NewConvLayer(desc LayerDescriptor, source weights.Pair, mode weights.Normalization) (*ConvLayer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if source.Weight == nil || source.Bias == nil {
		return nil, fmt.Errorf("%w: %s: missing weight source", ErrInvalidDescriptor, desc.Label)
	}
	return &ConvLayer{desc: desc, source: source, mode: mode}, nil
}

func (l *ConvLayer) Descriptor() LayerDescriptor { return l.desc }

func (l *ConvLayer) State() LayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Loads returns how many times the weights were read from their source.
func (l *ConvLayer) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// Load reads and validates the weights. It is a no-op when already loaded.
func (l *ConvLayer) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *ConvLayer) loadLocked() error {
	if l.state == LayerLoaded {
		return nil
	}
	w, b, err := weights.Load(l.source.Weight, l.source.Bias, l.desc.WeightCount(), l.desc.BiasCount(), l.mode)
	if err != nil {
		return fmt.Errorf("nn: load %s: %w", l.desc.Label, err)
	}
	l.params = Params{Weights: w.Data, Bias: b.Data}
	l.state = LayerLoaded
	l.loads++
	return nil
}

// Purge drops the weights. The next Acquire reloads them.
func (l *ConvLayer) Purge() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight > 0 {
		return fmt.Errorf("%w: %s has %d forward passes in flight", ErrLayerBusy, l.desc.Label, l.inflight)
	}
	l.params = Params{}
	l.state = LayerUnloaded
	return nil
}

// Acquire loads the layer if needed and pins its weights until Release.
func (l *ConvLayer) Acquire() (Params, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return Params{}, err
	}
	l.inflight++
	return l.params, nil
}

func (l *ConvLayer) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight == 0 {
		panic("nn: Release without Acquire on " + l.desc.Label)
	}
	l.inflight--
}

// OutputShape returns the shape Forward writes for an input of the given shape.
func (l *ConvLayer) OutputShape(in tensor.Shape) tensor.Shape {
	return tensor.Shape{Width: in.Width, Height: in.Height, Channels: l.desc.OutputChannels}
}

// Forward runs the layer, loading weights on first use.
func (l *ConvLayer) Forward(in, out *tensor.FeatureMap) error {
	p, err := l.Acquire()
	if err != nil {
		return err
	}
	defer l.Release()
	l.Convolve(p, in, out)
	return nil
}

// Convolve computes out = act(conv(in, p.Weights) + p.Bias).
// It panics when in or out do not have the channel counts of the descriptor.
func (l *ConvLayer) Convolve(p Params, in, out *tensor.FeatureMap) {
	d := l.desc
	if in.Shape.Channels != d.InputChannels {
		panic(fmt.Sprintf("nn: %s expects %d input channels, got %d", d.Label, d.InputChannels, in.Shape.Channels))
	}
	if want := l.OutputShape(in.Shape); out.Shape != want {
		panic(fmt.Sprintf("nn: %s output is %s, want %s", d.Label, out.Shape, want))
	}

	width, height := in.Shape.Width, in.Shape.Height
	kW, kH := d.KernelWidth, d.KernelHeight
	inC, outC := d.InputChannels, d.OutputChannels
	padTop, padLeft := d.Padding()
	perFilter := kW * kH * inC

	ParallelRows(height, func(y0, y1 int) {
		acc := make([]float32, outC)
		px := make([]float32, inC)
		for y := y0; y < y1; y++ {
			for x := 0; x < width; x++ {
				copy(acc, p.Bias)
				for ky := 0; ky < kH; ky++ {
					iy := y + ky - padTop
					if iy < 0 || iy >= height {
						continue
					}
					for kx := 0; kx < kW; kx++ {
						ix := x + kx - padLeft
						if ix < 0 || ix >= width {
							continue
						}
						for c := 0; c < inC; c++ {
							px[c] = in.At(ix, iy, c)
						}
						tap := (ky*kW + kx) * inC
						for o := 0; o < outC; o++ {
							w := p.Weights[o*perFilter+tap : o*perFilter+tap+inC]
							var sum float32
							for c, v := range px {
								sum += v * w[c]
							}
							acc[o] += sum
						}
					}
				}
				for o, v := range acc {
					out.Set(x, y, o, d.Activation.Apply(v))
				}
			}
		}
	})
}
