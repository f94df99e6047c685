package nn

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/andersio/Upscale/tensor"
)

// PixelOrder is the byte order of a packed 8-bit pixel.
type PixelOrder int

const (
	PixelOrderRGBA PixelOrder = iota
	PixelOrderBGRA
)

func (o PixelOrder) String() string {
	if o == PixelOrderBGRA {
		return "bgra"
	}
	return "rgba"
}

// Pixels is a packed 4-bytes-per-pixel 8-bit image.
type Pixels struct {
	Width  int
	Height int
	Stride int
	Order  PixelOrder
	Data   []byte
}

// PixelsFromImage returns img as RGBA pixels, sharing memory when img is
// already an *image.RGBA anchored at the origin.
func PixelsFromImage(img image.Image) *Pixels {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &Pixels{
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: rgba.Stride,
		Order:  PixelOrderRGBA,
		Data:   rgba.Pix,
	}
}

// RGB returns the red, green and blue bytes of pixel (x, y).
func (p *Pixels) RGB(x, y int) (r, g, b uint8) {
	i := y*p.Stride + x*4
	if p.Order == PixelOrderBGRA {
		return p.Data[i+2], p.Data[i+1], p.Data[i]
	}
	return p.Data[i], p.Data[i+1], p.Data[i+2]
}

// Packed returns one little-endian uint32 per pixel in RGBA order.
func (p *Pixels) Packed() []uint32 {
	out := make([]uint32, p.Width*p.Height)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			r, g, b := p.RGB(x, y)
			out[y*p.Width+x] = uint32(r) | uint32(g)<<8 | uint32(b)<<16 | 0xff<<24
		}
	}
	return out
}

func (p *Pixels) validate() error {
	if p.Width < 1 || p.Height < 1 || p.Stride < p.Width*4 || len(p.Data) < (p.Height-1)*p.Stride+p.Width*4 {
		return fmt.Errorf("%w: %dx%d pixels, stride %d, %d bytes", ErrFormat, p.Width, p.Height, p.Stride, len(p.Data))
	}
	return nil
}

// InputTransform turns 8-bit pixels into a normalized 3-channel FeatureMap.
type InputTransform struct{}

// Forward writes v/255 for red, green and blue into dst, which must be
// Width×Height×3. Alpha is ignored.
func (InputTransform) Forward(src *Pixels, dst *tensor.FeatureMap) error {
	if err := src.validate(); err != nil {
		return err
	}
	want := tensor.Shape{Width: src.Width, Height: src.Height, Channels: 3}
	if dst.Shape != want {
		return fmt.Errorf("%w: input transform target is %s, want %s", ErrFormat, dst.Shape, want)
	}
	ParallelRows(src.Height, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < src.Width; x++ {
				r, g, b := src.RGB(x, y)
				dst.Set(x, y, 0, float32(r)/255)
				dst.Set(x, y, 1, float32(g)/255)
				dst.Set(x, y, 2, float32(b)/255)
			}
		}
	})
	return nil
}

// FromFeatureMap copies an already normalized 3-channel map into dst.
func (InputTransform) FromFeatureMap(src, dst *tensor.FeatureMap) error {
	if src.Shape.Channels != 3 {
		return fmt.Errorf("%w: feature map input has %d channels, want 3", ErrFormat, src.Shape.Channels)
	}
	if err := dst.CopyFrom(src); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	dst.Quantize()
	return nil
}

// OutputTransform rearranges subpixel channels into an RGBA image.
type OutputTransform struct {
	Scale         int
	ColorChannels int
}

// Bounds returns the output rectangle for a feature map of the given shape.
func (t OutputTransform) Bounds(in tensor.Shape) image.Rectangle {
	return image.Rect(0, 0, in.Width*t.Scale, in.Height*t.Scale)
}

// Forward performs the pixel shuffle. dst must have the bounds returned by
// Bounds. Alpha is always 255.
func (t OutputTransform) Forward(src *tensor.FeatureMap, dst *image.RGBA) error {
	s := t.Scale
	if want := t.ColorChannels * s * s; src.Shape.Channels != want {
		return fmt.Errorf("%w: output transform input has %d channels, want %d", ErrFormat, src.Shape.Channels, want)
	}
	if t.ColorChannels != 3 && t.ColorChannels != 1 {
		return fmt.Errorf("%w: %d color channels", ErrFormat, t.ColorChannels)
	}
	if dst.Bounds() != t.Bounds(src.Shape) {
		return fmt.Errorf("%w: output image is %v, want %v", ErrFormat, dst.Bounds(), t.Bounds(src.Shape))
	}

	outH := src.Shape.Height * s
	outW := src.Shape.Width * s
	ParallelRows(outH, func(y0, y1 int) {
		for Y := y0; Y < y1; Y++ {
			y, row := Y/s, Y%s
			for X := 0; X < outW; X++ {
				x, col := X/s, X%s
				i := dst.PixOffset(X, Y)
				for c := 0; c < 3; c++ {
					cc := c
					if t.ColorChannels == 1 {
						cc = 0
					}
					dst.Pix[i+c] = Quantize8(src.At(x, y, SubpixelChannel(cc, row, col, s)))
				}
				dst.Pix[i+3] = 255
			}
		}
	})
	return nil
}

// Quantize8 maps [0, 1] to [0, 255], rounding and clamping. NaN maps to 0.
func Quantize8(v float32) uint8 {
	f := math.Round(float64(v) * 255)
	switch {
	case !(f > 0):
		return 0
	case f >= 255:
		return 255
	}
	return uint8(f)
}

// Clone returns a tightly packed copy of p.
func (p *Pixels) Clone() *Pixels {
	c := &Pixels{Width: p.Width, Height: p.Height, Stride: p.Width * 4, Order: p.Order, Data: make([]byte, p.Width*p.Height*4)}
	for y := 0; y < p.Height; y++ {
		copy(c.Data[y*c.Stride:(y+1)*c.Stride], p.Data[y*p.Stride:y*p.Stride+p.Width*4])
	}
	return c
}
