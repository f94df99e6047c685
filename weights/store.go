// Package weights loads pre-trained convolution weights and biases.
//
// A blob is a raw little-endian float32 array with no header. The only
// validation is that its byte length equals the expected element count
// times four.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrShapeMismatch is returned when a blob's size disagrees with the layer shape.
	ErrShapeMismatch = errors.New("weights: shape mismatch")

	// ErrIO is returned when a source cannot be read.
	ErrIO = errors.New("weights: read failed")

	// ErrDegenerateFilter is returned by NormalizeFilterSum for a filter whose weights sum to zero.
	ErrDegenerateFilter = errors.New("weights: filter sums to zero")
)

// ShapeMismatchError reports the offending source and sizes.
type ShapeMismatchError struct {
	Source    string
	GotBytes  int
	WantBytes int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("weights: %s is %d bytes, expected %d", e.Source, e.GotBytes, e.WantBytes)
}

func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// Normalization selects the initialization-normalization applied on load.
type Normalization int

const (
	NormalizeNone      Normalization = 0 // weights used as stored
	NormalizeFilterSum Normalization = 1 // each output filter scaled to sum to 1
)

func (n Normalization) String() string {
	switch n {
	case NormalizeNone:
		return "none"
	case NormalizeFilterSum:
		return "filter-sum"
	default:
		return fmt.Sprintf("Normalization(%d)", int(n))
	}
}

// ParseNormalization parses "none" or "filter-sum".
func ParseNormalization(s string) (Normalization, error) {
	switch s {
	case "", "none":
		return NormalizeNone, nil
	case "filter-sum", "filter_sum":
		return NormalizeFilterSum, nil
	}
	return NormalizeNone, fmt.Errorf("weights: unknown normalization %q", s)
}

// Tensor is a flattened weight array laid out as
// [outputChannels][kernelHeight][kernelWidth][inputChannels]. Treat Data as read-only.
type Tensor struct {
	OutputChannels int
	Data           []float32
}

// PerFilter returns the number of weights in one output filter.
func (t *Tensor) PerFilter() int {
	if t.OutputChannels == 0 {
		return 0
	}
	return len(t.Data) / t.OutputChannels
}

// Filter returns the weights of output channel o.
func (t *Tensor) Filter(o int) []float32 {
	n := t.PerFilter()
	return t.Data[o*n : (o+1)*n]
}

// Bias holds one term per output channel. Treat Data as read-only.
type Bias struct {
	Data []float32
}

// Load reads a weight/bias pair and validates both against the expected counts.
// wantBias is also the number of output filters used for normalization.
func Load(weight, bias Source, wantWeights, wantBias int, mode Normalization) (*Tensor, *Bias, error) {
	w, err := readFloats(weight, wantWeights)
	if err != nil {
		return nil, nil, err
	}
	b, err := readFloats(bias, wantBias)
	if err != nil {
		return nil, nil, err
	}

	t := &Tensor{OutputChannels: wantBias, Data: w}
	if mode == NormalizeFilterSum {
		if err := normalizeFilters(t); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", weight.Name(), err)
		}
	}
	return t, &Bias{Data: b}, nil
}

func readFloats(src Source, want int) ([]float32, error) {
	raw, err := src.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(raw) != want*4 {
		return nil, &ShapeMismatchError{Source: src.Name(), GotBytes: len(raw), WantBytes: want * 4}
	}
	return Decode(raw), nil
}

// Decode converts a little-endian float32 blob. Trailing bytes short of a float are ignored.
func Decode(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Encode converts floats into a little-endian float32 blob.
func Encode(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// WriteRaw writes values as a raw little-endian float32 blob.
func WriteRaw(w io.Writer, values []float32) error {
	_, err := w.Write(Encode(values))
	return err
}

func normalizeFilters(t *Tensor) error {
	for o := 0; o < t.OutputChannels; o++ {
		filter := t.Filter(o)
		var sum float32
		for _, v := range filter {
			sum += v
		}
		if sum == 0 {
			return fmt.Errorf("%w: output channel %d", ErrDegenerateFilter, o)
		}
		for i := range filter {
			filter[i] /= sum
		}
	}
	return nil
}
