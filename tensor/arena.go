package tensor

import (
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

var (
	// ErrStaleHandle is returned when a handle outlived the submission that acquired it.
	ErrStaleHandle = errors.New("tensor: stale arena handle")
)

// Handle addresses a pooled FeatureMap. The zero Handle is never valid.
type Handle struct {
	slot int32
	gen  uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("#%d@%d", h.slot, h.gen)
}

type arenaSlot struct {
	fm   *FeatureMap
	buf  []float32
	gen  uint32
	live bool
}

// Arena pools temporary FeatureMaps.
//
// Every slot carries a generation. Release bumps it, so a handle kept past
// the end of its command buffer resolves to ErrStaleHandle instead of to a
// buffer that another submission now owns.
type Arena struct {
	precision Precision

	mu    deadlock.Mutex
	slots []arenaSlot
	free  []int32
}

// NewArena creates an empty arena producing maps of the given precision.
func NewArena(precision Precision) *Arena {
	return &Arena{precision: precision}
}

// Acquire returns a handle to a zeroed FeatureMap of the given shape.
func (a *Arena) Acquire(shape Shape) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := shape.Len()
	for i, idx := range a.free {
		s := &a.slots[idx]
		if cap(s.buf) < n {
			continue
		}
		a.free = append(a.free[:i], a.free[i+1:]...)
		s.buf = s.buf[:n]
		clear(s.buf)
		s.fm = &FeatureMap{Shape: shape, Precision: a.precision, Data: s.buf}
		s.gen++
		s.live = true
		return Handle{slot: idx, gen: s.gen}
	}

	buf := make([]float32, n)
	a.slots = append(a.slots, arenaSlot{
		fm:   &FeatureMap{Shape: shape, Precision: a.precision, Data: buf},
		buf:  buf,
		gen:  1,
		live: true,
	})
	return Handle{slot: int32(len(a.slots) - 1), gen: 1}
}

func (a *Arena) lookup(h Handle) (*arenaSlot, error) {
	if h.gen == 0 || int(h.slot) >= len(a.slots) || h.slot < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s := &a.slots[h.slot]
	if !s.live || s.gen != h.gen {
		return nil, fmt.Errorf("%w: %s (slot at generation %d)", ErrStaleHandle, h, s.gen)
	}
	return s, nil
}

// Get resolves a handle.
func (a *Arena) Get(h Handle) (*FeatureMap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.fm, nil
}

// Retain returns a detached copy that stays valid after the handle is released.
func (a *Arena) Retain(h Handle) (*FeatureMap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.fm.Clone(), nil
}

// Release returns the slot to the pool and invalidates h.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.live = false
	s.gen++
	s.fm = nil
	a.free = append(a.free, h.slot)
	return nil
}

// Live returns the number of acquired, unreleased maps.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}
