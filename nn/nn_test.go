package nn

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/andersio/Upscale/tensor"
	"github.com/andersio/Upscale/weights"
)

func descriptor(label string, k, in, out int, act Activation) LayerDescriptor {
	return LayerDescriptor{
		Label: label, KernelWidth: k, KernelHeight: k,
		InputChannels: in, OutputChannels: out,
		BatchSize: 1, Groups: 1, Activation: act,
	}
}

// TestActivationValues verifies the scalar activation functions
func TestActivationValues(t *testing.T) {
	tests := []struct {
		act      Activation
		in, want float32
	}{
		{LeakyReLU(0.2), -1, -0.2},
		{LeakyReLU(0.2), 0, 0},
		{LeakyReLU(0.2), 3, 3},
		{Tanh(), 0, 0},
		{Tanh(), 1, 0.7615942},
		{Identity(), -7, -7},
	}
	for _, tt := range tests {
		got := tt.act.Apply(tt.in)
		if math.Abs(float64(got-tt.want)) > 1e-6 {
			t.Errorf("%s(%v): expected %v, got %v", tt.act, tt.in, tt.want, got)
		}
	}
}

func TestParseActivation(t *testing.T) {
	a, err := ParseActivation("leaky-relu:0.1", 0.2)
	if err != nil || a.Type != ActivationLeakyReLU || a.Leak != 0.1 {
		t.Errorf("Expected leaky-relu:0.1, got %v (%v)", a, err)
	}
	a, err = ParseActivation("leaky-relu", 0.2)
	if err != nil || a.Leak != 0.2 {
		t.Errorf("Expected default leak 0.2, got %v (%v)", a, err)
	}
	if _, err := ParseActivation("swish", 0.2); err == nil {
		t.Error("Expected error for unknown activation")
	}
}

// TestActivatorAllSlices verifies the activation reaches channels beyond the first slice
func TestActivatorAllSlices(t *testing.T) {
	fm := tensor.New(tensor.Shape{Width: 2, Height: 2, Channels: 6}, tensor.Float32)
	for c := 0; c < 6; c++ {
		fm.Set(1, 1, c, -1)
	}
	(&Activator{Label: "act", Activation: LeakyReLU(0.5)}).Forward(fm)
	for c := 0; c < 6; c++ {
		if got := fm.At(1, 1, c); got != -0.5 {
			t.Errorf("Channel %d: expected -0.5, got %v", c, got)
		}
	}
	if got := fm.At(0, 0, 5); got != 0 {
		t.Errorf("Expected untouched zero, got %v", got)
	}
}

func TestDescriptorValidate(t *testing.T) {
	good := descriptor("ok", 3, 4, 4, Identity())
	if err := good.Validate(); err != nil {
		t.Fatalf("Expected valid descriptor, got %v", err)
	}
	bad := []LayerDescriptor{
		func() LayerDescriptor { d := good; d.BatchSize = 2; d.Groups = 2; return d }(),
		func() LayerDescriptor { d := good; d.Groups = 2; return d }(),
		func() LayerDescriptor { d := good; d.KernelWidth = 0; return d }(),
		func() LayerDescriptor { d := good; d.InputChannels = 0; return d }(),
	}
	for i, d := range bad {
		if err := d.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("Case %d: expected ErrInvalidDescriptor, got %v", i, err)
		}
	}
	if got := good.WeightCount(); got != 3*3*4*4 {
		t.Errorf("Expected 144 weights, got %d", got)
	}
}

// TestConvOnesKernel sums input channels through a 1x1 all-ones kernel
func TestConvOnesKernel(t *testing.T) {
	d := descriptor("ones", 1, 3, 1, Identity())
	layer, err := NewConvLayer(d, weights.InMemory("ones", []float32{1, 1, 1}, []float32{0.5}), weights.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	in := tensor.New(tensor.Shape{Width: 3, Height: 2, Channels: 3}, tensor.Float32)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			for c := 0; c < 3; c++ {
				in.Set(x, y, c, float32(x+y+c))
			}
		}
	}
	out := tensor.New(layer.OutputShape(in.Shape), tensor.Float32)
	if err := layer.Forward(in, out); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			want := float32(3*(x+y)+3) + 0.5
			if got := out.At(x, y, 0); got != want {
				t.Errorf("(%d,%d): expected %v, got %v", x, y, want, got)
			}
		}
	}
}

// TestConvSamePadding checks tap orientation and zero padding with a delta input
func TestConvSamePadding(t *testing.T) {
	k := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	d := descriptor("delta", 3, 1, 1, Identity())
	layer, _ := NewConvLayer(d, weights.InMemory("delta", k, []float32{0}), weights.NormalizeNone)

	in := tensor.New(tensor.Shape{Width: 5, Height: 5, Channels: 1}, tensor.Float32)
	in.Set(2, 2, 0, 1)
	out := tensor.New(in.Shape, tensor.Float32)
	if err := layer.Forward(in, out); err != nil {
		t.Fatal(err)
	}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			want := k[(1-dy)*3+(1-dx)]
			if got := out.At(2+dx, 2+dy, 0); got != want {
				t.Errorf("offset (%d,%d): expected %v, got %v", dx, dy, want, got)
			}
		}
	}
	if got := out.At(0, 0, 0); got != 0 {
		t.Errorf("Expected 0 outside kernel reach, got %v", got)
	}

	// Edge pixel only sees in-bounds taps.
	edge := tensor.New(in.Shape, tensor.Float32)
	edge.Set(0, 0, 0, 1)
	_ = layer.Forward(edge, out)
	if got := out.At(0, 0, 0); got != 5 {
		t.Errorf("Expected center tap 5 at corner, got %v", got)
	}
}

func TestConvChannelMismatchPanics(t *testing.T) {
	d := descriptor("mismatch", 1, 3, 1, Identity())
	layer, _ := NewConvLayer(d, weights.InMemory("m", []float32{1, 1, 1}, []float32{0}), weights.NormalizeNone)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on channel mismatch")
		}
	}()
	in := tensor.New(tensor.Shape{Width: 2, Height: 2, Channels: 4}, tensor.Float32)
	out := tensor.New(tensor.Shape{Width: 2, Height: 2, Channels: 1}, tensor.Float32)
	_ = layer.Forward(in, out)
}

// TestConvLifecycle verifies lazy loading, purge and the in-flight guard
func TestConvLifecycle(t *testing.T) {
	d := descriptor("life", 1, 1, 1, Identity())
	layer, _ := NewConvLayer(d, weights.InMemory("life", []float32{2}, []float32{0}), weights.NormalizeNone)
	if layer.State() != LayerUnloaded {
		t.Fatalf("Expected unloaded, got %s", layer.State())
	}

	in := tensor.New(tensor.Shape{Width: 1, Height: 1, Channels: 1}, tensor.Float32)
	out := tensor.New(in.Shape, tensor.Float32)
	if err := layer.Forward(in, out); err != nil {
		t.Fatal(err)
	}
	if layer.State() != LayerLoaded || layer.Loads() != 1 {
		t.Fatalf("Expected one lazy load, got state %s loads %d", layer.State(), layer.Loads())
	}

	if _, err := layer.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := layer.Purge(); !errors.Is(err, ErrLayerBusy) {
		t.Errorf("Expected ErrLayerBusy, got %v", err)
	}
	layer.Release()
	if err := layer.Purge(); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if layer.State() != LayerUnloaded {
		t.Errorf("Expected unloaded after purge")
	}
	_ = layer.Forward(in, out)
	if layer.Loads() != 2 {
		t.Errorf("Expected reload after purge, got %d loads", layer.Loads())
	}
}

func TestConvLoadShapeMismatch(t *testing.T) {
	d := descriptor("short", 3, 2, 2, Identity())
	layer, _ := NewConvLayer(d, weights.InMemory("short", make([]float32, 10), make([]float32, 2)), weights.NormalizeNone)
	if err := layer.Load(); !errors.Is(err, weights.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

// TestPixelShuffleSentinel places one marked channel and checks where it lands
func TestPixelShuffleSentinel(t *testing.T) {
	const scale = 4
	tr := OutputTransform{Scale: scale, ColorChannels: 3}
	src := tensor.New(tensor.Shape{Width: 2, Height: 2, Channels: 3 * scale * scale}, tensor.Float32)
	src.Set(1, 0, SubpixelChannel(1, 2, 3, scale), 1)

	dst := image.NewRGBA(tr.Bounds(src.Shape))
	if err := tr.Forward(src, dst); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			p := dst.RGBAAt(x, y)
			if p.A != 255 {
				t.Fatalf("(%d,%d): expected opaque alpha, got %d", x, y, p.A)
			}
			wantG := uint8(0)
			if x == 1*scale+3 && y == 0*scale+2 {
				wantG = 255
			}
			if p.R != 0 || p.G != wantG || p.B != 0 {
				t.Errorf("(%d,%d): expected (0,%d,0), got (%d,%d,%d)", x, y, wantG, p.R, p.G, p.B)
			}
		}
	}
}

func TestQuantize8(t *testing.T) {
	tests := []struct {
		in   float32
		want uint8
	}{
		{-0.5, 0}, {0, 0}, {0.5, 128}, {1, 255}, {2, 255}, {float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		if got := Quantize8(tt.in); got != tt.want {
			t.Errorf("Quantize8(%v): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestInputTransformOrders(t *testing.T) {
	px := &Pixels{Width: 1, Height: 1, Stride: 4, Order: PixelOrderBGRA, Data: []byte{51, 102, 255, 0}}
	fm := tensor.New(tensor.Shape{Width: 1, Height: 1, Channels: 3}, tensor.Float32)
	if err := (InputTransform{}).Forward(px, fm); err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 0.4, 0.2}
	for c, w := range want {
		if got := fm.At(0, 0, c); math.Abs(float64(got-w)) > 1e-6 {
			t.Errorf("Channel %d: expected %v, got %v", c, w, got)
		}
	}

	bad := tensor.New(tensor.Shape{Width: 2, Height: 1, Channels: 3}, tensor.Float32)
	if err := (InputTransform{}).Forward(px, bad); !errors.Is(err, ErrFormat) {
		t.Errorf("Expected ErrFormat, got %v", err)
	}
}

func TestPixelsFromImageOffset(t *testing.T) {
	img := image.NewNRGBA(image.Rect(5, 5, 7, 6))
	img.Pix[0], img.Pix[3] = 200, 255
	px := PixelsFromImage(img)
	if px.Width != 2 || px.Height != 1 {
		t.Fatalf("Expected 2x1, got %dx%d", px.Width, px.Height)
	}
	if r, _, _ := px.RGB(0, 0); r != 200 {
		t.Errorf("Expected red 200, got %d", r)
	}
	if got := px.Packed()[0]; got != 0xff0000c8 {
		t.Errorf("Expected packed 0xff0000c8, got %#x", got)
	}
}

func TestLeakyReLUVector(t *testing.T) {
	act := LeakyReLU(0.2)
	in := []float32{-10, -1, 0, 1, 10}
	want := []float32{-2, -0.2, 0, 1, 10}
	for i, v := range in {
		if got := act.Apply(v); math.Abs(float64(got-want[i])) > 1e-6 {
			t.Errorf("leaky(%v): expected %v, got %v", v, want[i], got)
		}
	}
}

func TestTanhMonotonicBounded(t *testing.T) {
	act := Tanh()
	prev := act.Apply(-20)
	for v := float32(-20); v <= 20; v += 0.25 {
		got := act.Apply(v)
		if got < prev || got < -1 || got > 1 {
			t.Fatalf("tanh(%v) = %v breaks monotonicity or bounds (prev %v)", v, got, prev)
		}
		prev = got
	}
}

// TestPixelShuffleEveryPixel gives every (color, row, col) a distinct byte
// value at every base pixel and checks each lands at (x*s+col, y*s+row).
func TestPixelShuffleEveryPixel(t *testing.T) {
	const scale, w, h = 4, 3, 2
	tr := OutputTransform{Scale: scale, ColorChannels: 3}
	src := tensor.New(tensor.Shape{Width: w, Height: h, Channels: 3 * scale * scale}, tensor.Float32)
	sentinel := func(c, r, col, x, y int) uint8 {
		return uint8(SubpixelChannel(c, r, col, scale) + 1 + 50*((x+y)%2))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				for r := 0; r < scale; r++ {
					for col := 0; col < scale; col++ {
						src.Set(x, y, SubpixelChannel(c, r, col, scale), float32(sentinel(c, r, col, x, y))/255)
					}
				}
			}
		}
	}

	dst := image.NewRGBA(tr.Bounds(src.Shape))
	if err := tr.Forward(src, dst); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for r := 0; r < scale; r++ {
				for col := 0; col < scale; col++ {
					p := dst.RGBAAt(x*scale+col, y*scale+r)
					got := []uint8{p.R, p.G, p.B}
					for c := 0; c < 3; c++ {
						if want := sentinel(c, r, col, x, y); got[c] != want {
							t.Errorf("base (%d,%d) sub (%d,%d) color %d: expected %d, got %d", x, y, r, col, c, want, got[c])
						}
					}
				}
			}
		}
	}
}
