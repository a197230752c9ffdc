// Package preview renders quick-look images from metric volumes for
// quality control: single slices along any axis, or the mid-slice triplet
// saved next to a metric map. Values are windowed to the volume's own
// range, so maps with very different scales (FA vs diffusivities) all
// render with full contrast.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// Renderer extracts displayable slices from a 3D metric volume.
type Renderer struct {
	data []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// windowing range, precomputed from the data
	lo, hi float64
}

// NewRenderer creates a renderer for a metric volume.
func NewRenderer(data []float64, width, height, depth int) (*Renderer, error) {
	if len(data) != width*height*depth {
		return nil, fmt.Errorf("data length %d does not match dimensions %dx%dx%d",
			len(data), width, height, depth)
	}
	r := &Renderer{data: data, width: width, height: height, depth: depth}
	r.lo, r.hi = minMax(data)
	return r, nil
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
func (r *Renderer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Slice along the YZ plane
		if position >= r.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, r.width)
		}
		img = image.NewGray16(image.Rect(0, 0, r.depth, r.height))
		for y := 0; y < r.height; y++ {
			for z := 0; z < r.depth; z++ {
				img.SetGray16(z, y, r.gray(position, y, z))
			}
		}

	case "y", "Y":
		// Slice along the XZ plane
		if position >= r.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, r.height)
		}
		img = image.NewGray16(image.Rect(0, 0, r.width, r.depth))
		for z := 0; z < r.depth; z++ {
			for x := 0; x < r.width; x++ {
				img.SetGray16(x, z, r.gray(x, position, z))
			}
		}

	case "z", "Z":
		// Slice along the XY plane
		if position >= r.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, r.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, r.width, r.height))
		for y := 0; y < r.height; y++ {
			for x := 0; x < r.width; x++ {
				img.SetGray16(x, y, r.gray(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// gray windows the voxel at (x, y, z) into a 16-bit gray level.
func (r *Renderer) gray(x, y, z int) color.Gray16 {
	v := r.data[z*r.width*r.height+y*r.width+x]
	if r.hi <= r.lo {
		return color.Gray16{}
	}
	n := (v - r.lo) / (r.hi - r.lo)
	if n < 0 {
		n = 0
	} else if n > 1 {
		n = 1
	}
	return color.Gray16{Y: uint16(n * 65535)}
}

// minMax returns the smallest and largest values in the volume.
func minMax(data []float64) (lo, hi float64) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// SaveSlice saves an extracted slice as a PNG image.
func (r *Renderer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveMidSlices writes the three mid-volume slices (one per axis) of a
// metric volume into outDir, named <name>_<axis>.png.
func SaveMidSlices(data []float64, width, height, depth int, outDir, name string) error {
	r, err := NewRenderer(data, width, height, depth)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	positions := map[string]int{"x": width / 2, "y": height / 2, "z": depth / 2}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := r.ExtractSlice(axis, positions[axis])
		if err != nil {
			return err
		}
		filename := filepath.Join(outDir, fmt.Sprintf("%s_%s.png", name, axis))
		if err := r.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
