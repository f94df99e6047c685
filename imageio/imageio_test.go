package imageio

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func checker(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			img.SetRGBA(x, y, color.RGBA{v, uint8(x), uint8(y), 255})
		}
	}
	return img
}

func TestPNGRoundTrip(t *testing.T) {
	src := checker(16, 16)
	var buf bytes.Buffer
	if err := EncodePNG(&buf, src); err != nil {
		t.Fatal(err)
	}
	img, format, err := DecodeBytes(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" {
		t.Errorf("Expected png, got %s", format)
	}
	got := ToRGBA(img)
	if !bytes.Equal(got.Pix, src.Pix) {
		t.Error("Decoded pixels differ from source")
	}
}

func TestDecodeFormats(t *testing.T) {
	src := checker(8, 8)
	tests := []struct {
		format string
		encode func(*bytes.Buffer) error
	}{
		{"jpeg", func(b *bytes.Buffer) error { return jpeg.Encode(b, src, nil) }},
		{"bmp", func(b *bytes.Buffer) error { return bmp.Encode(b, src) }},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := tt.encode(&buf); err != nil {
			t.Fatal(err)
		}
		img, format, err := DecodeBytes(buf.Bytes())
		if err != nil {
			t.Errorf("%s: %v", tt.format, err)
			continue
		}
		if format != tt.format || img.Bounds().Dx() != 8 {
			t.Errorf("Expected 8px %s, got %s %v", tt.format, format, img.Bounds())
		}
	}

	if _, _, err := DecodeBytes(nil); !errors.Is(err, ErrEmptyData) {
		t.Errorf("Expected ErrEmptyData, got %v", err)
	}
	if _, _, err := DecodeBytes([]byte("not an image")); err == nil {
		t.Error("Expected decode error")
	}
}

func TestCenterSquare(t *testing.T) {
	tests := []struct {
		in, want image.Rectangle
	}{
		{image.Rect(0, 0, 100, 50), image.Rect(25, 0, 75, 50)},
		{image.Rect(0, 0, 40, 60), image.Rect(0, 10, 40, 50)},
		{image.Rect(10, 10, 20, 20), image.Rect(10, 10, 20, 20)},
	}
	for _, tt := range tests {
		if got := CenterSquare(tt.in); got != tt.want {
			t.Errorf("CenterSquare(%v): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestFit(t *testing.T) {
	out, err := Fit(checker(200, 100), 32)
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds() != image.Rect(0, 0, 32, 32) {
		t.Errorf("Expected 32x32, got %v", out.Bounds())
	}

	// A square of the target size is cropped without resampling.
	src := checker(48, 32)
	out, err = Fit(src, 32)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.RGBAAt(0, 0), src.RGBAAt(8, 0); got != want {
		t.Errorf("Expected %v at origin, got %v", want, got)
	}

	// Uniform images stay uniform through the resampler.
	gray := image.NewRGBA(image.Rect(0, 0, 90, 90))
	for i := range gray.Pix {
		gray.Pix[i] = 100
	}
	out, err = Fit(gray, 32)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out.Pix {
		if v != 100 {
			t.Fatalf("Byte %d: expected 100, got %d", i, v)
		}
	}

	if _, err := Fit(image.NewRGBA(image.Rectangle{}), 32); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Expected ErrEmptyImage, got %v", err)
	}
	if _, err := Fit(gray, 0); err == nil {
		t.Error("Expected error for size 0")
	}
}

func TestToRGBAOffset(t *testing.T) {
	src := checker(10, 10)
	sub := src.SubImage(image.Rect(2, 3, 6, 7))
	got := ToRGBA(sub)
	if got.Bounds() != image.Rect(0, 0, 4, 4) {
		t.Fatalf("Expected origin-anchored 4x4, got %v", got.Bounds())
	}
	if got.RGBAAt(0, 0) != src.RGBAAt(2, 3) {
		t.Error("Offset not applied")
	}
	if ToRGBA(src) != src {
		t.Error("Expected origin-anchored RGBA to be returned as is")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.png")
	src := checker(12, 12)
	if err := SavePNG(path, src); err != nil {
		t.Fatal(err)
	}
	img, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ToRGBA(img).Pix, src.Pix) {
		t.Error("Loaded pixels differ")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
}
