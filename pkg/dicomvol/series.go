// Package dicomvol stacks a directory of single-frame DICOM files into a
// diffusion volume. Slices are ordered by instance number and grouped into
// diffusion frames by their b-value and gradient direction tags, so a
// complete DWI acquisition exported as one file per slice loads into the
// same Volume shape a 4D NIfTI would.
package dicomvol

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dwifit/pkg/gradient"
	"dwifit/pkg/nifti"
)

// Standard diffusion tags (DICOM PS3.3 C.8.13.5.9).
var (
	tagDiffusionBValue      = tag.Tag{Group: 0x0018, Element: 0x9087}
	tagDiffusionOrientation = tag.Tag{Group: 0x0018, Element: 0x9089}
)

// sliceInfo is one parsed DICOM file before stacking.
type sliceInfo struct {
	instance int
	rows     int
	cols     int
	pixels   []float64
	spacing  [2]float64
	bval     float64
	bvec     [3]float64
}

// LoadSeries reads every DICOM file in dir and assembles the diffusion
// volume and its gradient table. Files without diffusion tags are treated
// as b0 frames. All files must share the same matrix size.
func LoadSeries(dir string, b0Threshold float64) (*nifti.Volume, *gradient.Table, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	var slices []sliceInfo
	for _, e := range entries {
		if e.IsDir() || !isDICOMName(e.Name()) {
			continue
		}
		s, err := parseSlice(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, nil, fmt.Errorf("no DICOM files found in %s", dir)
	}

	rows, cols := slices[0].rows, slices[0].cols
	for _, s := range slices {
		if s.rows != rows || s.cols != cols {
			return nil, nil, fmt.Errorf("inconsistent matrix sizes in series: %dx%d vs %dx%d",
				cols, rows, s.cols, s.rows)
		}
	}

	sort.Slice(slices, func(i, j int) bool { return slices[i].instance < slices[j].instance })
	groups := groupFrames(slices)

	nz := len(groups[0])
	for gi, g := range groups {
		if len(g) != nz {
			return nil, nil, fmt.Errorf("diffusion frame %d has %d slices, expected %d", gi, len(g), nz)
		}
	}

	nvox := cols * rows * nz
	vol := &nifti.Volume{
		Data: make([]float64, nvox*len(groups)),
		Nx:   cols,
		Ny:   rows,
		Nz:   nz,
		Nt:   len(groups),
	}
	bvals := make([]float64, len(groups))
	bvecs := make([][3]float64, len(groups))
	for t, g := range groups {
		bvals[t] = g[0].bval
		bvecs[t] = g[0].bvec
		for z, s := range g {
			copy(vol.Data[t*nvox+z*cols*rows:], s.pixels)
		}
	}

	sp := slices[0].spacing
	vol.PixDim = [3]float64{sp[0], sp[1], 1}
	vol.Affine = [4][4]float64{
		{sp[0], 0, 0, 0},
		{0, sp[1], 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}

	gtab, err := gradient.New(bvals, bvecs, b0Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid diffusion scheme in series: %w", err)
	}
	return vol, gtab, nil
}

// groupFrames splits the instance-ordered slices into diffusion frames:
// consecutive slices sharing a (b-value, direction) key belong to the same
// frame.
func groupFrames(slices []sliceInfo) [][]sliceInfo {
	var groups [][]sliceInfo
	prev := ""
	for i, s := range slices {
		key := frameKey(s)
		// A repeated key after an intervening frame starts a new frame:
		// series with several b0 volumes, or repeated directions for
		// averaging, must not collapse into one oversized group.
		if i == 0 || key != prev {
			groups = append(groups, nil)
		}
		prev = key
		groups[len(groups)-1] = append(groups[len(groups)-1], s)
	}
	return groups
}

func frameKey(s sliceInfo) string {
	return fmt.Sprintf("%.1f/%.4f/%.4f/%.4f", s.bval, s.bvec[0], s.bvec[1], s.bvec[2])
}

func parseSlice(path string) (sliceInfo, error) {
	var s sliceInfo

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return s, err
	}

	s.rows, err = intValue(&ds, tag.Rows)
	if err != nil {
		return s, err
	}
	s.cols, err = intValue(&ds, tag.Columns)
	if err != nil {
		return s, err
	}
	if s.instance, err = intValue(&ds, tag.InstanceNumber); err != nil {
		return s, err
	}

	if spacing, err := floatStrings(&ds, tag.PixelSpacing); err == nil && len(spacing) == 2 {
		s.spacing = [2]float64{spacing[1], spacing[0]} // row spacing is listed first
	} else {
		s.spacing = [2]float64{1, 1}
	}

	if b, err := floatValues(&ds, tagDiffusionBValue); err == nil && len(b) > 0 {
		s.bval = b[0]
	}
	if v, err := floatValues(&ds, tagDiffusionOrientation); err == nil && len(v) == 3 {
		s.bvec = [3]float64{v[0], v[1], v[2]}
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return s, fmt.Errorf("no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if info.IsEncapsulated || len(info.Frames) != 1 {
		return s, fmt.Errorf("only native single-frame images are supported")
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return s, err
	}
	if len(native.Data) != s.rows*s.cols {
		return s, fmt.Errorf("pixel data holds %d samples, expected %d", len(native.Data), s.rows*s.cols)
	}
	s.pixels = make([]float64, len(native.Data))
	for i, px := range native.Data {
		s.pixels[i] = float64(px[0])
	}
	return s, nil
}

func isDICOMName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".dcm" || ext == ".ima" || ext == ""
}

func intValue(ds *dicom.Dataset, t tag.Tag) (int, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("missing tag %v", t)
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], nil
		}
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(v[0]))
			if err != nil {
				return 0, fmt.Errorf("tag %v: %w", t, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("tag %v holds no usable value", t)
}

func floatValues(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v, nil
	case []string:
		return parseFloats(v)
	}
	return nil, fmt.Errorf("tag %v holds no numeric value", t)
}

func floatStrings(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	v, ok := el.Value.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("tag %v is not a string value", t)
	}
	return parseFloats(v)
}

func parseFloats(strs []string) ([]float64, error) {
	out := make([]float64, len(strs))
	for i, s := range strs {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
