package nn

import (
	"fmt"

	"github.com/andersio/Upscale/weights"
)

// SubpixelChannel returns the output channel holding color c of the
// sub-pixel at (row, col) within a scale×scale block.
func SubpixelChannel(c, row, col, scale int) int {
	return c*scale*scale + row*scale + col
}

// SubpixelLayer is a convolution producing colors×scale² channels that the
// output transform rearranges into a scale× larger image. The layer itself
// moves no pixels.
type SubpixelLayer struct {
	*ConvLayer
	Scale         int
	ColorChannels int
}

// SubpixelDescriptor describes a square-kernel subpixel convolution.
func SubpixelDescriptor(label string, kernel, inputChannels, colors, scale int, act Activation) LayerDescriptor {
	return LayerDescriptor{
		Label:          label,
		KernelWidth:    kernel,
		KernelHeight:   kernel,
		InputChannels:  inputChannels,
		OutputChannels: colors * scale * scale,
		BatchSize:      1,
		Groups:         1,
		Activation:     act,
	}
}

func NewSubpixelLayer(desc LayerDescriptor, colors, scale int, source weights.Pair, mode weights.Normalization) (*SubpixelLayer, error) {
	if scale < 1 || colors < 1 {
		return nil, fmt.Errorf("%w: %s: scale %d colors %d", ErrInvalidDescriptor, desc.Label, scale, colors)
	}
	if desc.OutputChannels != colors*scale*scale {
		return nil, fmt.Errorf("%w: %s: %d output channels, want %d×%d²", ErrInvalidDescriptor, desc.Label, desc.OutputChannels, colors, scale)
	}
	conv, err := NewConvLayer(desc, source, mode)
	if err != nil {
		return nil, err
	}
	return &SubpixelLayer{ConvLayer: conv, Scale: scale, ColorChannels: colors}, nil
}
