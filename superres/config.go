package superres

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/andersio/Upscale/nn"
	"github.com/andersio/Upscale/tensor"
	"github.com/andersio/Upscale/weights"
)

// Device selects where the graph runs.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceGPU  Device = "gpu"
	DeviceAuto Device = "auto"
)

// Fixed kernel sizes of the three convolutions.
const (
	Hidden0Kernel  = 1
	Hidden1Kernel  = 5
	SubpixelKernel = 5
)

// Config describes a graph. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	Device  Device `json:"device"`
	Adapter string `json:"adapter,omitempty"` // substring match on adapter name or vendor

	InputSize        int     `json:"input_size"`
	Scale            int     `json:"scale"`
	ColorChannels    int     `json:"color_channels"`
	FeatureChannels  int     `json:"feature_channels"`
	Leak             float32 `json:"leak"`
	OutputActivation string  `json:"output_activation"`
	Normalization    string  `json:"normalization"` // subpixel layer only; hidden layers load as stored
	Precision        string  `json:"precision"`

	MaxInFlight     int  `json:"max_in_flight"`
	FuseActivations bool `json:"fuse_activations"`
	WorkgroupSize   int  `json:"workgroup_size"`
}

// DefaultConfig returns the 32×32 → 128×128 network.
func DefaultConfig() Config {
	return Config{
		Device:           DeviceAuto,
		InputSize:        32,
		Scale:            4,
		ColorChannels:    3,
		FeatureChannels:  64,
		Leak:             0.2,
		OutputActivation: "tanh",
		Normalization:    weights.NormalizeNone.String(),
		Precision:        tensor.Float32.String(),
		MaxInFlight:      4,
		FuseActivations:  true,
		WorkgroupSize:    8,
	}
}

// LoadConfig reads a JSON config. Missing fields keep their defaults and
// unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("superres: read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("superres: parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// settings is a validated Config with its strings parsed.
type settings struct {
	Config
	outputAct     nn.Activation
	normalization weights.Normalization
	precision     tensor.Precision
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	_, err := c.parse()
	return err
}

func (c Config) parse() (settings, error) {
	s := settings{Config: c}
	switch {
	case c.Device != DeviceCPU && c.Device != DeviceGPU && c.Device != DeviceAuto:
		return s, fmt.Errorf("superres: unknown device %q", c.Device)
	case c.InputSize < 1:
		return s, fmt.Errorf("superres: input_size must be positive, got %d", c.InputSize)
	case c.Scale < 1:
		return s, fmt.Errorf("superres: scale must be positive, got %d", c.Scale)
	case c.ColorChannels != 3:
		return s, fmt.Errorf("superres: color_channels must be 3, got %d", c.ColorChannels)
	case c.FeatureChannels < 1:
		return s, fmt.Errorf("superres: feature_channels must be positive, got %d", c.FeatureChannels)
	case c.MaxInFlight < 0:
		return s, fmt.Errorf("superres: max_in_flight must not be negative, got %d", c.MaxInFlight)
	case c.WorkgroupSize < 0:
		return s, fmt.Errorf("superres: workgroup_size must not be negative, got %d", c.WorkgroupSize)
	}

	var err error
	if s.outputAct, err = nn.ParseActivation(c.OutputActivation, c.Leak); err != nil {
		return s, fmt.Errorf("superres: output_activation: %w", err)
	}
	if s.normalization, err = weights.ParseNormalization(c.Normalization); err != nil {
		return s, fmt.Errorf("superres: normalization: %w", err)
	}
	if s.precision, err = tensor.ParsePrecision(c.Precision); err != nil {
		return s, fmt.Errorf("superres: precision: %w", err)
	}
	return s, nil
}

// Layers returns the three convolution descriptors for this config, with
// activations fused in.
func (c Config) Layers() ([]nn.LayerDescriptor, error) {
	s, err := c.parse()
	if err != nil {
		return nil, err
	}
	return s.layers(), nil
}

func (s settings) layers() []nn.LayerDescriptor {
	leaky := nn.LeakyReLU(s.Leak)
	return []nn.LayerDescriptor{
		{
			Label:          weights.KeyHidden0,
			KernelWidth:    Hidden0Kernel,
			KernelHeight:   Hidden0Kernel,
			InputChannels:  s.ColorChannels,
			OutputChannels: s.FeatureChannels,
			BatchSize:      1,
			Groups:         1,
			Activation:     leaky,
		},
		{
			Label:          weights.KeyHidden1,
			KernelWidth:    Hidden1Kernel,
			KernelHeight:   Hidden1Kernel,
			InputChannels:  s.FeatureChannels,
			OutputChannels: s.FeatureChannels,
			BatchSize:      1,
			Groups:         1,
			Activation:     leaky,
		},
		nn.SubpixelDescriptor(weights.KeySubpixel, SubpixelKernel, s.FeatureChannels, s.ColorChannels, s.Scale, s.outputAct),
	}
}

// WeightSpecs returns the tensor shapes a weight set for c must have.
func (c Config) WeightSpecs() ([]weights.Spec, error) {
	descs, err := c.Layers()
	if err != nil {
		return nil, err
	}
	specs := make([]weights.Spec, len(descs))
	for i, d := range descs {
		specs[i] = weights.Spec{
			Key:     d.Label,
			Shape:   []int{d.OutputChannels, d.KernelHeight, d.KernelWidth, d.InputChannels},
			Weights: d.WeightCount(),
			Bias:    d.BiasCount(),
		}
	}
	return specs, nil
}
