package weights

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// Initializer draws normally distributed weights for untrained networks.
// It is seeded explicitly so that generated weight sets are reproducible.
type Initializer struct {
	Mean   float64
	Stddev float64
	rng    *rand.Rand
}

// NewInitializer returns a generator with mean 0 and standard deviation 0.02.
func NewInitializer(seed uint64) *Initializer {
	return &Initializer{
		Stddev: 0.02,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Normal draws one sample using the Box-Muller transform.
func (in *Initializer) Normal() float32 {
	u := 1 - in.rng.Float64() // (0, 1]
	v := in.rng.Float64()
	x := math.Sqrt(-2*math.Log(u)) * math.Cos(2*math.Pi*v)
	return float32(in.Mean + x*in.Stddev)
}

// Fill returns n samples.
func (in *Initializer) Fill(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = in.Normal()
	}
	return out
}

// Spec names a layer and the element counts of its weight and bias blobs.
type Spec struct {
	Key     string
	Shape   []int // [out, kH, kW, in]
	Weights int
	Bias    int
}

// WriteDir writes w_<key>/b_<key> blobs for every spec. Biases are zero.
func WriteDir(dir string, specs []Spec, init *Initializer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	for _, s := range specs {
		blobs := map[string][]float32{
			WeightFile(s.Key): init.Fill(s.Weights),
			BiasFile(s.Key):   make([]float32, s.Bias),
		}
		for name, values := range blobs {
			if err := os.WriteFile(filepath.Join(dir, name), Encode(values), 0o644); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
		}
	}
	return nil
}

// WriteSafetensorsFile writes every spec into one safetensors bundle.
func WriteSafetensorsFile(path string, specs []Spec, init *Initializer) error {
	var tensors []NamedTensor
	for _, s := range specs {
		tensors = append(tensors,
			NamedTensor{Name: safetensorsName(s.Key, "weight"), Shape: s.Shape, Values: init.Fill(s.Weights)},
			NamedTensor{Name: safetensorsName(s.Key, "bias"), Shape: []int{s.Bias}, Values: make([]float32, s.Bias)},
		)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := WriteSafetensors(f, tensors); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return f.Close()
}
