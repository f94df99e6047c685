package nn

import (
	"math"

	"github.com/andersio/Upscale/tensor"
)

// Apply evaluates the activation on one value.
func (a Activation) Apply(v float32) float32 {
	switch a.Type {
	case ActivationLeakyReLU:
		if v > 0 {
			return v
		}
		return v * a.Leak
	case ActivationTanh:
		return float32(math.Tanh(float64(v)))
	default:
		return v
	}
}

// ApplyMap applies the activation in place to every value of every slice.
// Padding lanes stay zero since every supported activation maps 0 to 0.
func (a Activation) ApplyMap(fm *tensor.FeatureMap) {
	if a.Type == ActivationNone {
		return
	}
	s := fm.Shape
	ParallelRows(s.Height, func(y0, y1 int) {
		for slice := 0; slice < s.Slices(); slice++ {
			plane := fm.SliceData(slice)
			for i := y0 * s.Width * tensor.ChannelsPerSlice; i < y1*s.Width*tensor.ChannelsPerSlice; i++ {
				plane[i] = a.Apply(plane[i])
			}
		}
	})
	fm.Quantize()
}

// Activator runs an activation as its own stage, separate from the convolution.
type Activator struct {
	Label      string
	Activation Activation
}

// Forward modifies fm in place.
func (a *Activator) Forward(fm *tensor.FeatureMap) {
	a.Activation.ApplyMap(fm)
}
