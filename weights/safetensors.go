package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/andersio/Upscale/tensor"
)

// Tensor names inside a safetensors bundle: "<key>.weight" and "<key>.bias".
func safetensorsName(key, kind string) string { return key + "." + kind }

type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// LoadSafetensors decodes every F32/F16/BF16 tensor of a safetensors file into float32.
func LoadSafetensors(filepath string) (map[string][]float32, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, filepath, err)
	}
	return ParseSafetensors(data)
}

// ParseSafetensors decodes a safetensors byte slice.
func ParseSafetensors(data []byte) (map[string][]float32, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: safetensors data too short", ErrIO)
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("%w: header size %d but only %d bytes available", ErrIO, headerSize, len(data)-8)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, fmt.Errorf("%w: parse safetensors header: %v", ErrIO, err)
	}
	body := data[8+headerSize:]

	out := make(map[string][]float32, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrIO, name, err)
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end > len(body) || start > end {
			return nil, fmt.Errorf("%w: tensor %s: data out of bounds", ErrIO, name)
		}
		chunk := body[start:end]

		var elem int
		switch info.DType {
		case "F32":
			elem = 4
		case "F16", "BF16":
			elem = 2
		default:
			continue
		}
		n, err := shapeElements(info.Shape)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrShapeMismatch, name, err)
		}
		if len(chunk)%elem != 0 || len(chunk)/elem != n {
			return nil, fmt.Errorf("%w: tensor %s: %d bytes for %d %s values", ErrShapeMismatch, name, len(chunk), n, info.DType)
		}

		values := make([]float32, n)
		switch info.DType {
		case "F32":
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
			}
		default:
			for i := range values {
				bits := binary.LittleEndian.Uint16(chunk[i*2:])
				if info.DType == "F16" {
					values[i] = tensor.Float16ToFloat32(bits)
				} else {
					values[i] = tensor.BFloat16ToFloat32(bits)
				}
			}
		}
		out[name] = values
	}
	return out, nil
}

// shapeElements multiplies the dimensions of a header shape.
func shapeElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d in %v", d, shape)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("shape %v overflows", shape)
		}
		n *= d
	}
	return n, nil
}

// SafetensorsDescriptor builds a Descriptor from one bundle holding
// h0.weight, h0.bias, h1.weight, h1.bias, h2.weight and h2.bias.
// Values are re-encoded as raw float32 so Load applies its usual size checks.
func SafetensorsDescriptor(filepath string) (Descriptor, error) {
	tensors, err := LoadSafetensors(filepath)
	if err != nil {
		return Descriptor{}, err
	}
	pair := func(key string) (Pair, error) {
		var p Pair
		for _, kind := range []string{"weight", "bias"} {
			name := safetensorsName(key, kind)
			values, ok := tensors[name]
			if !ok {
				return Pair{}, fmt.Errorf("%w: %s: missing tensor %s", ErrIO, filepath, name)
			}
			src := Bytes{Label: filepath + ":" + name, Data: Encode(values)}
			if kind == "weight" {
				p.Weight = src
			} else {
				p.Bias = src
			}
		}
		return p, nil
	}

	var d Descriptor
	if d.Hidden0, err = pair(KeyHidden0); err != nil {
		return Descriptor{}, err
	}
	if d.Hidden1, err = pair(KeyHidden1); err != nil {
		return Descriptor{}, err
	}
	if d.Subpixel, err = pair(KeySubpixel); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// NamedTensor is one entry written by WriteSafetensors.
type NamedTensor struct {
	Name   string
	Shape  []int
	Values []float32
}

// WriteSafetensors writes F32 tensors in safetensors format.
func WriteSafetensors(w io.Writer, tensors []NamedTensor) error {
	sorted := append([]NamedTensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]tensorInfo, len(sorted))
	var body bytes.Buffer
	for _, t := range sorted {
		start := body.Len()
		body.Write(Encode(t.Values))
		header[t.Name] = tensorInfo{DType: "F32", Shape: t.Shape, Offsets: [2]int{start, body.Len()}}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, []byte(strings.Repeat(" ", 8-pad))...)
	}

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{size[:], hdr, body.Bytes()} {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
