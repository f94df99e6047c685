package weights

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
)

// Layer keys of the fixed network, in forward order.
const (
	KeyHidden0  = "h0"
	KeyHidden1  = "h1"
	KeySubpixel = "h2"
)

// Pair is the weight and bias source of one layer.
type Pair struct {
	Weight Source
	Bias   Source
}

// Descriptor bundles the sources of every layer of the network.
type Descriptor struct {
	Hidden0  Pair
	Hidden1  Pair
	Subpixel Pair
}

// WeightFile and BiasFile return the on-disk names used for a layer key.
func WeightFile(key string) string { return "w_" + key }
func BiasFile(key string) string   { return "b_" + key }

// DirDescriptor points every layer at w_<key>/b_<key> files inside dir.
func DirDescriptor(dir string) Descriptor {
	pair := func(key string) Pair {
		return Pair{
			Weight: File(filepath.Join(dir, WeightFile(key))),
			Bias:   File(filepath.Join(dir, BiasFile(key))),
		}
	}
	return Descriptor{
		Hidden0:  pair(KeyHidden0),
		Hidden1:  pair(KeyHidden1),
		Subpixel: pair(KeySubpixel),
	}
}

// FSDescriptor is DirDescriptor for an fs.FS.
func FSDescriptor(fsys fs.FS, dir string) Descriptor {
	pair := func(key string) Pair {
		return Pair{
			Weight: FSFile{FS: fsys, Path: path.Join(dir, WeightFile(key))},
			Bias:   FSFile{FS: fsys, Path: path.Join(dir, BiasFile(key))},
		}
	}
	return Descriptor{
		Hidden0:  pair(KeyHidden0),
		Hidden1:  pair(KeyHidden1),
		Subpixel: pair(KeySubpixel),
	}
}

// Pairs returns the layer pairs in forward order.
func (d Descriptor) Pairs() []Pair {
	return []Pair{d.Hidden0, d.Hidden1, d.Subpixel}
}

// Validate checks that every source is set.
func (d Descriptor) Validate() error {
	keys := []string{KeyHidden0, KeyHidden1, KeySubpixel}
	for i, p := range d.Pairs() {
		if p.Weight == nil || p.Bias == nil {
			return fmt.Errorf("%w: layer %s has no weight or bias source", ErrIO, keys[i])
		}
	}
	return nil
}
