package weights

import (
	"fmt"
	"io/fs"
	"os"
)

// Source yields the raw bytes of one weight or bias blob.
type Source interface {
	Name() string
	ReadAll() ([]byte, error)
}

// File is a Source backed by a path on disk.
type File string

func (f File) Name() string { return string(f) }

func (f File) ReadAll() ([]byte, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, f, err)
	}
	return b, nil
}

// Bytes is an in-memory Source.
type Bytes struct {
	Label string
	Data  []byte
}

func (b Bytes) Name() string { return b.Label }

func (b Bytes) ReadAll() ([]byte, error) {
	if b.Data == nil {
		return nil, fmt.Errorf("%w: %s: no data", ErrIO, b.Label)
	}
	return b.Data, nil
}

// FSFile is a Source read from an fs.FS, e.g. an embed.FS.
type FSFile struct {
	FS   fs.FS
	Path string
}

func (f FSFile) Name() string { return f.Path }

func (f FSFile) ReadAll() ([]byte, error) {
	b, err := fs.ReadFile(f.FS, f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, f.Path, err)
	}
	return b, nil
}

// InMemory builds a Pair from float values, mostly for tests and generated weights.
func InMemory(label string, weight, bias []float32) Pair {
	return Pair{
		Weight: Bytes{Label: label + ".weight", Data: Encode(weight)},
		Bias:   Bytes{Label: label + ".bias", Data: Encode(bias)},
	}
}
