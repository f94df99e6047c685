package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestShapeSlices(t *testing.T) {
	cases := []struct {
		channels int
		slices   int
	}{
		{1, 1}, {3, 1}, {4, 1}, {5, 2}, {48, 12}, {64, 16},
	}
	for _, c := range cases {
		s := Shape{Width: 2, Height: 2, Channels: c.channels}
		if s.Slices() != c.slices {
			t.Errorf("channels=%d: expected %d slices, got %d", c.channels, c.slices, s.Slices())
		}
		if s.Len() != 2*2*c.slices*4 {
			t.Errorf("channels=%d: expected len %d, got %d", c.channels, 2*2*c.slices*4, s.Len())
		}
	}
}

func TestFeatureMapSliceLayout(t *testing.T) {
	f := New(Shape{Width: 3, Height: 2, Channels: 6}, Float32)
	f.Set(2, 1, 5, 7)

	// channel 5 lives in slice 1, lane 1
	want := ((1*2+1)*3+2)*4 + 1
	if f.Index(2, 1, 5) != want {
		t.Fatalf("expected index %d, got %d", want, f.Index(2, 1, 5))
	}
	if f.SliceData(1)[(1*3+2)*4+1] != 7 {
		t.Errorf("value not found in slice 1")
	}
	if f.At(2, 1, 5) != 7 {
		t.Errorf("expected 7, got %f", f.At(2, 1, 5))
	}
}

func TestFromInterleavedRoundTrip(t *testing.T) {
	shape := Shape{Width: 2, Height: 2, Channels: 5}
	data := make([]float32, 2*2*5)
	for i := range data {
		data[i] = float32(i)
	}
	f, err := FromInterleaved(shape, Float32, data)
	if err != nil {
		t.Fatalf("FromInterleaved: %v", err)
	}
	got := f.Interleaved()
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("index %d: expected %f, got %f", i, data[i], got[i])
		}
	}

	if _, err := FromInterleaved(shape, Float32, data[:3]); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for short data, got %v", err)
	}
}

func TestFloat16Conversion(t *testing.T) {
	cases := []struct {
		in   float32
		bits uint16
	}{
		{0, 0x0000},
		{1, 0x3C00},
		{-2, 0xC000},
		{0.5, 0x3800},
		{65504, 0x7BFF},
		{float32(math.Inf(1)), 0x7C00},
		{5.960464477539063e-08, 0x0001}, // smallest subnormal
	}
	for _, c := range cases {
		if got := Float32ToFloat16(c.in); got != c.bits {
			t.Errorf("Float32ToFloat16(%g): expected 0x%04X, got 0x%04X", c.in, c.bits, got)
		}
		if got := Float16ToFloat32(c.bits); got != c.in {
			t.Errorf("Float16ToFloat32(0x%04X): expected %g, got %g", c.bits, c.in, got)
		}
	}

	if RoundHalf(1e6) != float32(math.Inf(1)) {
		t.Errorf("expected overflow to +Inf")
	}
	if v := RoundHalf(0.1); math.Abs(float64(v-0.1)) > 1e-4 {
		t.Errorf("RoundHalf(0.1) too far off: %f", v)
	}
}

func TestFloat16Precision(t *testing.T) {
	f := New(Shape{Width: 1, Height: 1, Channels: 1}, Float16)
	f.Set(0, 0, 0, 0.1)
	if f.At(0, 0, 0) != RoundHalf(0.1) {
		t.Errorf("expected half-rounded value, got %f", f.At(0, 0, 0))
	}
}

func TestArenaStaleHandle(t *testing.T) {
	a := NewArena(Float32)
	shape := Shape{Width: 4, Height: 4, Channels: 3}

	h := a.Acquire(shape)
	fm, err := a.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	fm.Set(1, 1, 1, 42)

	kept, err := a.Retain(h)
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := a.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := a.Get(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("expected ErrStaleHandle after release, got %v", err)
	}
	if err := a.Release(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("expected ErrStaleHandle on double release, got %v", err)
	}
	if kept.At(1, 1, 1) != 42 {
		t.Errorf("retained copy lost its value")
	}

	// The slot is reused, zeroed, and the old handle stays stale.
	h2 := a.Acquire(shape)
	fm2, err := a.Get(h2)
	if err != nil {
		t.Fatalf("Get reused: %v", err)
	}
	if fm2.At(1, 1, 1) != 0 {
		t.Errorf("reused slot not zeroed")
	}
	if _, err := a.Get(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("old handle resolved after reuse")
	}
	if a.Live() != 1 {
		t.Errorf("expected 1 live map, got %d", a.Live())
	}
	if _, err := a.Get(Handle{}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("zero handle should be stale")
	}
}
