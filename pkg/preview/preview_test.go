package preview

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func gradientVolume(width, height, depth int) []float64 {
	data := make([]float64, width*height*depth)
	for i := range data {
		data[i] = float64(i)
	}
	return data
}

func TestNewRendererValidatesDimensions(t *testing.T) {
	if _, err := NewRenderer(make([]float64, 10), 2, 2, 2); err == nil {
		t.Error("Expected an error for a data length mismatch")
	}
}

func TestExtractSlice(t *testing.T) {
	width, height, depth := 4, 3, 2
	r, err := NewRenderer(gradientVolume(width, height, depth), width, height, depth)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	cases := []struct {
		axis                  string
		position              int
		wantWidth, wantHeight int
	}{
		{"x", 1, depth, height},
		{"y", 1, width, depth},
		{"z", 0, width, height},
	}
	for _, tc := range cases {
		img, err := r.ExtractSlice(tc.axis, tc.position)
		if err != nil {
			t.Fatalf("ExtractSlice(%q, %d) failed: %v", tc.axis, tc.position, err)
		}
		b := img.Bounds()
		if b.Dx() != tc.wantWidth || b.Dy() != tc.wantHeight {
			t.Errorf("Slice %q has size %dx%d, want %dx%d",
				tc.axis, b.Dx(), b.Dy(), tc.wantWidth, tc.wantHeight)
		}
	}
}

func TestExtractSliceBounds(t *testing.T) {
	r, err := NewRenderer(gradientVolume(2, 2, 2), 2, 2, 2)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	if _, err := r.ExtractSlice("z", 5); err == nil {
		t.Error("Expected an error for an out-of-range position")
	}
	if _, err := r.ExtractSlice("z", -1); err == nil {
		t.Error("Expected an error for a negative position")
	}
	if _, err := r.ExtractSlice("w", 0); err == nil {
		t.Error("Expected an error for an invalid axis")
	}
}

func TestSaveMidSlices(t *testing.T) {
	width, height, depth := 4, 3, 2
	outDir := filepath.Join(t.TempDir(), "previews")

	err := SaveMidSlices(gradientVolume(width, height, depth), width, height, depth, outDir, "fa")
	if err != nil {
		t.Fatalf("SaveMidSlices failed: %v", err)
	}

	for _, axis := range []string{"x", "y", "z"} {
		path := filepath.Join(outDir, "fa_"+axis+".png")
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("Missing preview %s: %v", path, err)
		}
		if _, err := png.Decode(f); err != nil {
			t.Errorf("Preview %s is not a valid PNG: %v", path, err)
		}
		f.Close()
	}
}

func TestFlatVolumeRendersBlack(t *testing.T) {
	r, err := NewRenderer(make([]float64, 8), 2, 2, 2)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	img, err := r.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("ExtractSlice failed: %v", err)
	}
	r16, g16, b16, _ := img.At(0, 0).RGBA()
	if r16 != 0 || g16 != 0 || b16 != 0 {
		t.Errorf("Flat volume rendered non-black pixel (%d, %d, %d)", r16, g16, b16)
	}
}
