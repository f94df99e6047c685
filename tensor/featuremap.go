// Package tensor holds the feature-map representation shared by every stage
// of the super-resolution network, plus the arena that pools temporaries.
package tensor

import (
	"errors"
	"fmt"
)

// ChannelsPerSlice is the number of channels packed into one slice (array layer).
const ChannelsPerSlice = 4

var (
	// ErrShape is returned when a FeatureMap shape is invalid or does not match.
	ErrShape = errors.New("tensor: shape mismatch")
)

// Precision selects the storage precision of a FeatureMap.
type Precision int

const (
	Float32 Precision = 0 // full single precision
	Float16 Precision = 1 // values rounded to half precision on write
)

// String returns the string representation of Precision.
func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision parses "float32"/"float16" (also "f32"/"f16").
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "", "float32", "f32":
		return Float32, nil
	case "float16", "f16":
		return Float16, nil
	}
	return Float32, fmt.Errorf("tensor: unknown precision %q", s)
}

// Shape is the width × height × channels extent of a FeatureMap.
type Shape struct {
	Width    int
	Height   int
	Channels int
}

// Slices returns ceil(Channels/4).
func (s Shape) Slices() int {
	return (s.Channels + ChannelsPerSlice - 1) / ChannelsPerSlice
}

// Len returns the number of stored floats, including the padding lanes of the last slice.
func (s Shape) Len() int {
	return s.Width * s.Height * s.Slices() * ChannelsPerSlice
}

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Channels > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// FeatureMap is a width × height × channels float tensor.
//
// Channels are packed four per slice. The flat layout is
//
//	Data[((slice*Height + y)*Width + x)*4 + channel%4]
//
// with slice = channel/4. Lanes past Channels in the last slice stay zero.
type FeatureMap struct {
	Shape     Shape
	Precision Precision
	Data      []float32
}

// New allocates a zeroed FeatureMap.
func New(shape Shape, precision Precision) *FeatureMap {
	return &FeatureMap{
		Shape:     shape,
		Precision: precision,
		Data:      make([]float32, shape.Len()),
	}
}

// FromInterleaved builds a FeatureMap from row-major [y][x][c] data.
func FromInterleaved(shape Shape, precision Precision, data []float32) (*FeatureMap, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("%w: invalid shape %s", ErrShape, shape)
	}
	want := shape.Width * shape.Height * shape.Channels
	if len(data) != want {
		return nil, fmt.Errorf("%w: got %d values, expected %d for %s", ErrShape, len(data), want, shape)
	}
	f := New(shape, precision)
	i := 0
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			for c := 0; c < shape.Channels; c++ {
				f.Set(x, y, c, data[i])
				i++
			}
		}
	}
	return f, nil
}

// Index returns the flat offset of (x, y, c).
func (f *FeatureMap) Index(x, y, c int) int {
	s := f.Shape
	return ((c/ChannelsPerSlice*s.Height+y)*s.Width+x)*ChannelsPerSlice + c%ChannelsPerSlice
}

// At returns the value at (x, y, c).
func (f *FeatureMap) At(x, y, c int) float32 {
	return f.Data[f.Index(x, y, c)]
}

// Set stores v at (x, y, c), rounding to half precision for Float16 maps.
func (f *FeatureMap) Set(x, y, c int, v float32) {
	if f.Precision == Float16 {
		v = RoundHalf(v)
	}
	f.Data[f.Index(x, y, c)] = v
}

// SliceData returns the backing storage of one slice: Height*Width*4 floats.
func (f *FeatureMap) SliceData(slice int) []float32 {
	n := f.Shape.Width * f.Shape.Height * ChannelsPerSlice
	return f.Data[slice*n : (slice+1)*n]
}

// Quantize rounds every stored value to the map's precision.
func (f *FeatureMap) Quantize() {
	if f.Precision != Float16 {
		return
	}
	for i, v := range f.Data {
		f.Data[i] = RoundHalf(v)
	}
}

// Zero clears all values.
func (f *FeatureMap) Zero() {
	clear(f.Data)
}

// Clone returns a deep copy.
func (f *FeatureMap) Clone() *FeatureMap {
	out := &FeatureMap{Shape: f.Shape, Precision: f.Precision, Data: make([]float32, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// CopyFrom copies src into f. Shapes must match.
func (f *FeatureMap) CopyFrom(src *FeatureMap) error {
	if src.Shape != f.Shape {
		return fmt.Errorf("%w: copy %s into %s", ErrShape, src.Shape, f.Shape)
	}
	copy(f.Data, src.Data)
	f.Quantize()
	return nil
}

// Interleaved returns the values in row-major [y][x][c] order.
func (f *FeatureMap) Interleaved() []float32 {
	s := f.Shape
	out := make([]float32, 0, s.Width*s.Height*s.Channels)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			for c := 0; c < s.Channels; c++ {
				out = append(out, f.At(x, y, c))
			}
		}
	}
	return out
}
