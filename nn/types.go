package nn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidDescriptor is returned when a LayerDescriptor breaks its invariants.
	ErrInvalidDescriptor = errors.New("nn: invalid layer descriptor")

	// ErrLayerBusy is returned by Purge while a forward pass still holds the weights.
	ErrLayerBusy = errors.New("nn: layer is in use")

	// ErrFormat is returned when a transform receives a buffer of the wrong size or layout.
	ErrFormat = errors.New("nn: unsupported buffer format")
)

// ActivationType defines the nonlinearity applied after a convolution
type ActivationType int

const (
	ActivationNone      ActivationType = 0 // identity
	ActivationLeakyReLU ActivationType = 1 // v if v > 0, else v * leak
	ActivationTanh      ActivationType = 2 // tanh(v)
)

func (a ActivationType) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationLeakyReLU:
		return "leaky-relu"
	case ActivationTanh:
		return "tanh"
	default:
		return fmt.Sprintf("ActivationType(%d)", int(a))
	}
}

// Activation is an ActivationType together with its parameter.
type Activation struct {
	Type ActivationType
	Leak float32 // negative slope, LeakyReLU only
}

// LeakyReLU returns a leaky ReLU with the given negative slope.
func LeakyReLU(leak float32) Activation {
	return Activation{Type: ActivationLeakyReLU, Leak: leak}
}

// Tanh returns the hyperbolic tangent activation.
func Tanh() Activation { return Activation{Type: ActivationTanh} }

// Identity returns the no-op activation.
func Identity() Activation { return Activation{Type: ActivationNone} }

func (a Activation) String() string {
	if a.Type == ActivationLeakyReLU {
		return "leaky-relu:" + strconv.FormatFloat(float64(a.Leak), 'g', -1, 32)
	}
	return a.Type.String()
}

// ParseActivation parses "none", "tanh", "leaky-relu" or "leaky-relu:<leak>".
// A bare "leaky-relu" uses defaultLeak.
func ParseActivation(s string, defaultLeak float32) (Activation, error) {
	name, param, hasParam := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch name {
	case "none", "identity", "":
		return Identity(), nil
	case "tanh":
		return Tanh(), nil
	case "leaky-relu", "leaky_relu", "lrelu", "relu":
		leak := defaultLeak
		if hasParam {
			v, err := strconv.ParseFloat(param, 32)
			if err != nil {
				return Activation{}, fmt.Errorf("nn: bad leak %q: %w", param, err)
			}
			leak = float32(v)
		}
		return LeakyReLU(leak), nil
	}
	return Activation{}, fmt.Errorf("nn: unknown activation %q", s)
}

// LayerDescriptor configures one convolution layer.
type LayerDescriptor struct {
	Label          string
	KernelWidth    int
	KernelHeight   int
	InputChannels  int
	OutputChannels int
	BatchSize      int // only 1 is supported
	Groups         int // must equal BatchSize
	Activation     Activation
}

// Validate checks the descriptor invariants.
func (d LayerDescriptor) Validate() error {
	switch {
	case d.KernelWidth < 1 || d.KernelHeight < 1:
		return fmt.Errorf("%w: %s: kernel %dx%d", ErrInvalidDescriptor, d.Label, d.KernelWidth, d.KernelHeight)
	case d.InputChannels < 1 || d.OutputChannels < 1:
		return fmt.Errorf("%w: %s: channels %d->%d", ErrInvalidDescriptor, d.Label, d.InputChannels, d.OutputChannels)
	case d.BatchSize != 1:
		return fmt.Errorf("%w: %s: batch size %d, only 1 is supported", ErrInvalidDescriptor, d.Label, d.BatchSize)
	case d.Groups != d.BatchSize:
		return fmt.Errorf("%w: %s: groups %d must equal batch size %d", ErrInvalidDescriptor, d.Label, d.Groups, d.BatchSize)
	case d.Activation.Type < ActivationNone || d.Activation.Type > ActivationTanh:
		return fmt.Errorf("%w: %s: %s", ErrInvalidDescriptor, d.Label, d.Activation.Type)
	}
	return nil
}

// WeightCount is kW × kH × outCh × inCh.
func (d LayerDescriptor) WeightCount() int {
	return d.KernelWidth * d.KernelHeight * d.OutputChannels * d.InputChannels
}

// BiasCount is outCh.
func (d LayerDescriptor) BiasCount() int { return d.OutputChannels }

// Padding returns the top and left zero padding that keeps the spatial size.
func (d LayerDescriptor) Padding() (top, left int) {
	return (d.KernelHeight - 1) / 2, (d.KernelWidth - 1) / 2
}
