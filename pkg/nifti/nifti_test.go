package nifti

import (
	"compress/gzip"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var testAffine = [4][4]float64{
	{2, 0, 0, -90},
	{0, 2, 0, -126},
	{0, 0, 2, -72},
	{0, 0, 0, 1},
}

func rampData(n int) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i) * 0.25
	}
	return data
}

func TestScalarRoundTrip(t *testing.T) {
	for _, name := range []string{"map.nii", "map.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			nx, ny, nz := 4, 3, 2
			data := rampData(nx * ny * nz)
			path := filepath.Join(t.TempDir(), name)

			if err := SaveScalar(path, data, nx, ny, nz, testAffine); err != nil {
				t.Fatalf("SaveScalar failed: %v", err)
			}
			vol, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if vol.Nx != nx || vol.Ny != ny || vol.Nz != nz || vol.Nt != 1 {
				t.Fatalf("Dimensions = %dx%dx%dx%d, want %dx%dx%dx1",
					vol.Nx, vol.Ny, vol.Nz, vol.Nt, nx, ny, nz)
			}
			for i := range data {
				if math.Abs(vol.Data[i]-data[i]) > 1e-5 {
					t.Fatalf("Data[%d] = %v, want %v", i, vol.Data[i], data[i])
				}
			}
			for r := 0; r < 4; r++ {
				for c := 0; c < 4; c++ {
					if math.Abs(vol.Affine[r][c]-testAffine[r][c]) > 1e-5 {
						t.Errorf("Affine[%d][%d] = %v, want %v",
							r, c, vol.Affine[r][c], testAffine[r][c])
					}
				}
			}
			if math.Abs(vol.PixDim[0]-2) > 1e-5 {
				t.Errorf("PixDim[0] = %v, want 2", vol.PixDim[0])
			}
		})
	}
}

func TestSeriesRoundTrip(t *testing.T) {
	nx, ny, nz, nt := 3, 3, 2, 4
	data := rampData(nx * ny * nz * nt)
	path := filepath.Join(t.TempDir(), "dwi.nii")

	if err := SaveSeries(path, data, nx, ny, nz, nt, testAffine); err != nil {
		t.Fatalf("SaveSeries failed: %v", err)
	}
	vol, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if vol.Nt != nt {
		t.Fatalf("Nt = %d, want %d", vol.Nt, nt)
	}
	if got := vol.At(1, 2, 1, 3); math.Abs(got-data[((3*nz+1)*ny+2)*nx+1]) > 1e-5 {
		t.Errorf("At(1,2,1,3) = %v", got)
	}

	series := make([]float64, nt)
	vol.VoxelSeries(0, series)
	for ti := 0; ti < nt; ti++ {
		want := data[ti*nx*ny*nz]
		if math.Abs(series[ti]-want) > 1e-5 {
			t.Errorf("VoxelSeries[%d] = %v, want %v", ti, series[ti], want)
		}
	}
}

func TestSymTensorHeader(t *testing.T) {
	nx, ny, nz := 3, 2, 2
	nvox := nx * ny * nz
	comps := make([][]float64, 6)
	for c := range comps {
		comps[c] = make([]float64, nvox)
		for i := range comps[c] {
			comps[c][i] = float64(c)
		}
	}
	path := filepath.Join(t.TempDir(), "tensor.nii.gz")

	if err := SaveSymTensor(path, comps, nx, ny, nz, testAffine); err != nil {
		t.Fatalf("SaveSymTensor failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader failed: %v", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	hdr, _, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if hdr.Dim != [8]int16{5, int16(nx), int16(ny), int16(nz), 1, 6, 1, 1} {
		t.Errorf("Dim = %v", hdr.Dim)
	}
	if hdr.IntentCode != IntentSymMatrix {
		t.Errorf("IntentCode = %d, want %d", hdr.IntentCode, IntentSymMatrix)
	}
	if hdr.IntentP1 != 3 {
		t.Errorf("IntentP1 = %v, want 3", hdr.IntentP1)
	}
	if want := int(352 + 4*6*nvox); len(raw) != want {
		t.Errorf("Decompressed size = %d, want %d", len(raw), want)
	}
}

func TestSaveSymTensorValidation(t *testing.T) {
	if err := SaveSymTensor("ignored.nii", make([][]float64, 5), 2, 2, 2, testAffine); err == nil {
		t.Error("Expected an error for 5 components")
	}
	comps := make([][]float64, 6)
	for c := range comps {
		comps[c] = make([]float64, 3)
	}
	if err := SaveSymTensor("ignored.nii", comps, 2, 2, 2, testAffine); err == nil {
		t.Error("Expected an error for a component length mismatch")
	}
}

func TestLoadRejectsFiveDimensional(t *testing.T) {
	// Symmetric-tensor images are 5D; reading one back as a plain volume
	// would silently drop five of the six components.
	nx, ny, nz := 2, 2, 2
	comps := make([][]float64, 6)
	for c := range comps {
		comps[c] = make([]float64, nx*ny*nz)
	}
	path := filepath.Join(t.TempDir(), "tensor.nii")
	if err := SaveSymTensor(path, comps, nx, ny, nz, testAffine); err != nil {
		t.Fatalf("SaveSymTensor failed: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected an error for a 5D image")
	}
	if !strings.Contains(err.Error(), "dimensionality") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	if err := os.WriteFile(path, []byte("not a nifti file"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected an error for a non-NIfTI file")
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	if _, _, err := ParseHeader(make([]byte, 100)); err == nil {
		t.Error("Expected an error for a truncated header")
	}
}
