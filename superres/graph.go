// Package superres assembles the fixed super-resolution network and runs it
// asynchronously on the CPU or a WebGPU device.
//
// A Graph turns an InputSize×InputSize RGB image into an image Scale times
// larger per axis:
//
//	input transform → h0 (1×1) → h1 (5×5) → subpixel (5×5) → pixel shuffle
//
// Each inference is encoded into one command buffer and committed once to a
// bounded queue. Results arrive through a Future or a callback.
package superres

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/andersio/Upscale/engine"
	"github.com/andersio/Upscale/nn"
	"github.com/andersio/Upscale/tensor"
	"github.com/andersio/Upscale/weights"
)

var (
	// ErrInvalidInput matches every *InputError.
	ErrInvalidInput = errors.New("superres: invalid input")

	// ErrNoDevice is returned by New when the requested device is unavailable.
	ErrNoDevice = errors.New("superres: no compute device")

	// ErrClosed is returned for inferences submitted after Close.
	ErrClosed = errors.New("superres: graph is closed")
)

// InputError describes an image the graph cannot accept.
type InputError struct {
	Width    int
	Height   int
	Channels int
	Want     int
	Reason   string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("superres: invalid input %dx%d with %d channels: %s", e.Width, e.Height, e.Channels, e.Reason)
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// Result is the outcome of one inference.
type Result struct {
	ID      string
	Image   *image.RGBA
	Elapsed time.Duration
	Err     error
}

// stage is one convolution, followed by its activation when activations
// are not fused.
type stage struct {
	conv *nn.ConvLayer
	act  *nn.Activator
}

// request carries one inference through the command buffer.
type request struct {
	pixels   *nn.Pixels
	features *tensor.FeatureMap
	out      *image.RGBA
}

type executor interface {
	name() string
	encode(cb *engine.CommandBuffer, req *request, params []nn.Params) error
	purge()
	close()
}

// Graph is the assembled network. It is safe for concurrent use.
type Graph struct {
	cfg    settings
	stages []stage
	exec   executor
	queue  *engine.Queue

	mu       deadlock.Mutex
	inflight int
	closed   bool
}

// New validates cfg, loads every weight tensor from desc and prepares the
// device. Any weight or shader error is returned and no Graph is created.
func New(cfg Config, desc weights.Descriptor) (*Graph, error) {
	s, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	pairs := desc.Pairs()
	descs := s.layers()
	stages := make([]stage, len(descs))
	for i, d := range descs {
		var act *nn.Activator
		if !s.FuseActivations && d.Activation.Type != nn.ActivationNone {
			act = &nn.Activator{Label: d.Label + "_activation", Activation: d.Activation}
			d.Activation = nn.Identity()
		}
		if i == len(descs)-1 {
			sp, err := nn.NewSubpixelLayer(d, s.ColorChannels, s.Scale, pairs[i], s.normalization)
			if err != nil {
				return nil, err
			}
			stages[i] = stage{conv: sp.ConvLayer, act: act}
		} else {
			conv, err := nn.NewConvLayer(d, pairs[i], weights.NormalizeNone)
			if err != nil {
				return nil, err
			}
			stages[i] = stage{conv: conv, act: act}
		}
		if err := stages[i].conv.Load(); err != nil {
			return nil, err
		}
	}

	exec, err := newExecutor(s, stages)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		cfg:    s,
		stages: stages,
		exec:   exec,
		queue:  engine.NewQueue("superres", s.MaxInFlight),
	}
	Logger().Info("superres: graph ready",
		"device", exec.name(),
		"input", s.InputSize,
		"scale", s.Scale,
		"features", s.FeatureChannels,
		"fused", s.FuseActivations,
		"precision", s.precision.String())
	return g, nil
}

func newExecutor(s settings, stages []stage) (executor, error) {
	switch s.Device {
	case DeviceCPU:
		return newCPUExecutor(s, stages), nil
	case DeviceGPU:
		return newGPUExecutor(s, stages)
	}
	exec, err := newGPUExecutor(s, stages)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, ErrNoDevice) {
		return nil, err
	}
	Logger().Warn("superres: GPU unavailable, falling back to CPU", "err", err)
	return newCPUExecutor(s, stages), nil
}

// Config returns the configuration the graph was built with.
func (g *Graph) Config() Config { return g.cfg.Config }

// Device names the executor in use.
func (g *Graph) Device() string { return g.exec.name() }

// OutputSize is the edge length of result images.
func (g *Graph) OutputSize() int { return g.cfg.InputSize * g.cfg.Scale }

// InFlight is the number of inferences encoded but not yet completed.
func (g *Graph) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// Infer validates img and commits its inference. It waits only while the
// queue is saturated, and returns ctx.Err() if ctx ends first.
func (g *Graph) Infer(ctx context.Context, img image.Image) (*Future, error) {
	req, err := g.imageRequest(img)
	if err != nil {
		return nil, err
	}
	f := newFuture()
	if err := g.submit(req, func(cb *engine.CommandBuffer) error { return g.queue.Commit(ctx, cb) }, f); err != nil {
		return nil, err
	}
	return f, nil
}

// TryInfer is Infer that returns engine.ErrQueueFull instead of waiting.
func (g *Graph) TryInfer(img image.Image) (*Future, error) {
	req, err := g.imageRequest(img)
	if err != nil {
		return nil, err
	}
	f := newFuture()
	if err := g.submit(req, g.queue.TryCommit, f); err != nil {
		return nil, err
	}
	return f, nil
}

// InferFunc commits an inference and calls fn exactly once with its result
// when it returns nil. fn runs on the queue worker and must not block on
// further inferences. Calling Close from fn is allowed and does not wait.
func (g *Graph) InferFunc(ctx context.Context, img image.Image, fn func(Result)) error {
	req, err := g.imageRequest(img)
	if err != nil {
		return err
	}
	return g.submit(req, func(cb *engine.CommandBuffer) error { return g.queue.Commit(ctx, cb) }, funcSink(fn))
}

// InferFeatureMap runs the graph on an already normalized
// InputSize×InputSize×3 feature map, skipping the 8-bit input transform.
func (g *Graph) InferFeatureMap(ctx context.Context, fm *tensor.FeatureMap) (*Future, error) {
	size := g.cfg.InputSize
	if fm == nil {
		return nil, &InputError{Want: size, Reason: "nil feature map"}
	}
	if want := (tensor.Shape{Width: size, Height: size, Channels: g.cfg.ColorChannels}); fm.Shape != want {
		return nil, &InputError{Width: fm.Shape.Width, Height: fm.Shape.Height, Channels: fm.Shape.Channels, Want: size,
			Reason: "feature map must be " + want.String()}
	}
	req := &request{features: fm.Clone(), out: g.newOutput()}
	f := newFuture()
	if err := g.submit(req, func(cb *engine.CommandBuffer) error { return g.queue.Commit(ctx, cb) }, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (g *Graph) imageRequest(img image.Image) (*request, error) {
	if err := validateImage(img, g.cfg.InputSize); err != nil {
		return nil, err
	}
	return &request{pixels: nn.PixelsFromImage(img).Clone(), out: g.newOutput()}, nil
}

func (g *Graph) newOutput() *image.RGBA {
	n := g.OutputSize()
	return image.NewRGBA(image.Rect(0, 0, n, n))
}

func validateImage(img image.Image, size int) error {
	if img == nil {
		return &InputError{Want: size, Reason: "nil image"}
	}
	b := img.Bounds()
	ch := colorChannels(img.ColorModel())
	if b.Dx() != size || b.Dy() != size {
		return &InputError{Width: b.Dx(), Height: b.Dy(), Channels: ch, Want: size,
			Reason: fmt.Sprintf("image must be %dx%d", size, size)}
	}
	if ch != 3 {
		return &InputError{Width: b.Dx(), Height: b.Dy(), Channels: ch, Want: size,
			Reason: "image must have 3 color channels"}
	}
	return nil
}

func colorChannels(m color.Model) int {
	switch m {
	case color.GrayModel, color.Gray16Model:
		return 1
	case color.AlphaModel, color.Alpha16Model:
		return 0
	}
	return 3
}

// sink receives exactly one Result.
type sink interface {
	bind(id string)
	complete(Result)
}

type funcSink func(Result)

func (funcSink) bind(string)         {}
func (f funcSink) complete(r Result) { f(r) }

// submit pins the layer weights, encodes req and commits it.
func (g *Graph) submit(req *request, commit func(*engine.CommandBuffer) error, out sink) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	params := make([]nn.Params, 0, len(g.stages))
	for _, st := range g.stages {
		p, err := st.conv.Acquire()
		if err != nil {
			for _, held := range g.stages[:len(params)] {
				held.conv.Release()
			}
			g.mu.Unlock()
			return err
		}
		params = append(params, p)
	}
	g.inflight++
	g.mu.Unlock()

	cb := engine.NewCommandBuffer("superres")
	cb.AddCleanup(func() {
		for _, st := range g.stages {
			st.conv.Release()
		}
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	})
	if err := g.exec.encode(cb, req, params); err != nil {
		cb.Discard()
		return err
	}
	out.bind(cb.ID())
	cb.AddCompletedHandler(func(c engine.Completion) {
		res := Result{ID: c.ID, Elapsed: c.Elapsed(), Err: c.Err}
		if c.Err == nil {
			res.Image = req.out
		}
		out.complete(res)
	})

	Logger().Debug("superres: inference encoded", "id", cb.ID(), "commands", cb.Len())
	if err := commit(cb); err != nil {
		cb.Discard()
		return err
	}
	return nil
}

// Purge drops the weights of every layer. It fails with nn.ErrLayerBusy
// while an inference is in flight. The next inference reloads them.
func (g *Graph) Purge() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight > 0 {
		return fmt.Errorf("%w: %d inferences in flight", nn.ErrLayerBusy, g.inflight)
	}
	var errs []error
	for _, st := range g.stages {
		errs = append(errs, st.conv.Purge())
	}
	g.exec.purge()
	Logger().Debug("superres: weights purged")
	return errors.Join(errs...)
}

// Close waits for committed inferences and releases the device. Later
// submissions fail with ErrClosed. From an InferFunc callback it returns
// without waiting; the device is released once the queue drains.
func (g *Graph) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	if g.queue.OnWorker() {
		g.queue.Close()
		go func() {
			<-g.queue.Done()
			g.exec.close()
		}()
		return
	}
	g.queue.Close()
	g.exec.close()
}
