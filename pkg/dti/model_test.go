package dti

import (
	"math"
	"testing"

	"dwifit/pkg/gradient"
	"dwifit/pkg/nifti"
)

// testTable builds a single-shell scheme: one b0 plus twelve directions at
// b=1000.
func testTable(t *testing.T) *gradient.Table {
	t.Helper()
	dirs := [][3]float64{
		{0, 0, 0},
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{1, 1, 0}, {1, 0, 1}, {0, 1, 1},
		{1, -1, 0}, {1, 0, -1}, {0, 1, -1},
		{1, 1, 1}, {1, -1, 1}, {-1, 1, 1},
	}
	bvals := make([]float64, len(dirs))
	for i := 1; i < len(dirs); i++ {
		bvals[i] = 1000
	}
	gtab, err := gradient.New(bvals, dirs, 0)
	if err != nil {
		t.Fatalf("Failed to build gradient table: %v", err)
	}
	return gtab
}

// adcOf evaluates g^T D g for the lower-triangular tensor.
func adcOf(lower [6]float64, g [3]float64) float64 {
	x, y, z := g[0], g[1], g[2]
	return x*x*lower[0] + 2*x*y*lower[1] + y*y*lower[2] +
		2*x*z*lower[3] + 2*y*z*lower[4] + z*z*lower[5]
}

// signalVolume synthesizes a noise-free volume where every voxel follows
// the tensor signal model with the given lower-triangular tensor.
func signalVolume(gtab *gradient.Table, lower [6]float64, s0 float64, nx, ny, nz int) *nifti.Volume {
	nvox := nx * ny * nz
	data := make([]float64, nvox*gtab.Len())
	for ti := 0; ti < gtab.Len(); ti++ {
		s := s0 * math.Exp(-gtab.Bvals[ti]*adcOf(lower, gtab.Bvecs[ti]))
		for i := 0; i < nvox; i++ {
			data[ti*nvox+i] = s
		}
	}
	return &nifti.Volume{
		Data: data,
		Nx:   nx, Ny: ny, Nz: nz, Nt: gtab.Len(),
		Affine: [4][4]float64{{2, 0, 0, 0}, {0, 2, 0, 0}, {0, 0, 2, 0}, {0, 0, 0, 1}},
	}
}

func TestFitRecoversTensor(t *testing.T) {
	gtab := testTable(t)
	lower := [6]float64{1.5e-3, 0.1e-3, 0.6e-3, 0.05e-3, 0.02e-3, 0.3e-3}
	vol := signalVolume(gtab, lower, 1000, 4, 4, 2)

	for _, method := range []string{MethodWLS, MethodOLS} {
		t.Run(method, func(t *testing.T) {
			model, err := NewModel(gtab, &Params{Method: method, Workers: 2})
			if err != nil {
				t.Fatalf("NewModel failed: %v", err)
			}
			fit, err := model.Fit(vol, nil)
			if err != nil {
				t.Fatalf("Fit failed: %v", err)
			}

			comps := fit.LowerTriangular()
			for i := 0; i < vol.NumVoxels(); i++ {
				if !fit.Fitted(i) {
					t.Fatalf("Voxel %d not fitted", i)
				}
				for c := 0; c < 6; c++ {
					if math.Abs(comps[c][i]-lower[c]) > 1e-9 {
						t.Fatalf("Voxel %d component %d = %v, want %v",
							i, c, comps[c][i], lower[c])
					}
				}
			}
		})
	}
}

func TestFitDerivedMaps(t *testing.T) {
	gtab := testTable(t)
	// Diagonal tensor, so the eigenvalues are known exactly.
	lower := [6]float64{1.5e-3, 0, 0.5e-3, 0, 0, 0.3e-3}
	vol := signalVolume(gtab, lower, 1000, 3, 3, 1)

	model, err := NewModel(gtab, nil)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	fit, err := model.Fit(vol, nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	wantFA := FractionalAnisotropy(1.5e-3, 0.5e-3, 0.3e-3)
	fa, md, ad, rd := fit.FA(), fit.MD(), fit.AD(), fit.RD()
	for i := 0; i < vol.NumVoxels(); i++ {
		if math.Abs(fa[i]-wantFA) > 1e-6 {
			t.Errorf("FA[%d] = %v, want %v", i, fa[i], wantFA)
		}
		if math.Abs(md[i]-(1.5e-3+0.5e-3+0.3e-3)/3) > 1e-9 {
			t.Errorf("MD[%d] = %v", i, md[i])
		}
		if math.Abs(ad[i]-1.5e-3) > 1e-9 {
			t.Errorf("AD[%d] = %v, want 1.5e-3", i, ad[i])
		}
		if math.Abs(rd[i]-0.4e-3) > 1e-9 {
			t.Errorf("RD[%d] = %v, want 0.4e-3", i, rd[i])
		}
	}
}

func TestFitRespectsMask(t *testing.T) {
	gtab := testTable(t)
	lower := [6]float64{1.5e-3, 0, 0.5e-3, 0, 0, 0.3e-3}
	vol := signalVolume(gtab, lower, 1000, 2, 2, 1)

	mask := []bool{true, false, true, false}

	model, err := NewModel(gtab, nil)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	fit, err := model.Fit(vol, mask)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	fa := fit.FA()
	for i, in := range mask {
		if fit.Fitted(i) != in {
			t.Errorf("Fitted(%d) = %v, want %v", i, fit.Fitted(i), in)
		}
		if !in && fa[i] != 0 {
			t.Errorf("FA[%d] = %v for a masked-out voxel, want 0", i, fa[i])
		}
	}
}

func TestFitNonFiniteSignal(t *testing.T) {
	gtab := testTable(t)
	lower := [6]float64{1.5e-3, 0, 0.5e-3, 0, 0, 0.3e-3}
	vol := signalVolume(gtab, lower, 1000, 2, 1, 1)

	// Corrupt one sample of voxel 1 in a few frames.
	nvox := vol.NumVoxels()
	vol.Data[3*nvox+1] = math.NaN()
	vol.Data[5*nvox+1] = math.Inf(1)

	model, err := NewModel(gtab, nil)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	fit, err := model.Fit(vol, nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	comps := fit.LowerTriangular()
	fa, md := fit.FA(), fit.MD()
	for i := 0; i < nvox; i++ {
		for c := 0; c < 6; c++ {
			if math.IsNaN(comps[c][i]) || math.IsInf(comps[c][i], 0) {
				t.Fatalf("Voxel %d component %d is non-finite: %v", i, c, comps[c][i])
			}
		}
		if math.IsNaN(fa[i]) || math.IsNaN(md[i]) {
			t.Fatalf("Voxel %d has non-finite metrics: FA=%v MD=%v", i, fa[i], md[i])
		}
	}

	// The clean voxel is unaffected by its neighbor's corrupt samples.
	for c := 0; c < 6; c++ {
		if math.Abs(comps[c][0]-lower[c]) > 1e-9 {
			t.Errorf("Clean voxel component %d = %v, want %v", c, comps[c][0], lower[c])
		}
	}
}

func TestFitFrameMismatch(t *testing.T) {
	gtab := testTable(t)
	model, err := NewModel(gtab, nil)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	vol := &nifti.Volume{Data: make([]float64, 8), Nx: 2, Ny: 2, Nz: 2, Nt: 1}
	if _, err := model.Fit(vol, nil); err == nil {
		t.Error("Expected an error for a frame count mismatch")
	}
}

func TestNewModelTooFewDirections(t *testing.T) {
	gtab, err := gradient.New(
		[]float64{0, 1000, 1000, 1000},
		[][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		0,
	)
	if err != nil {
		t.Fatalf("Failed to build gradient table: %v", err)
	}
	if _, err := NewModel(gtab, nil); err == nil {
		t.Error("Expected an error for fewer than 6 directions")
	}
}

func TestNewModelUnknownMethod(t *testing.T) {
	gtab := testTable(t)
	if _, err := NewModel(gtab, &Params{Method: "ridge"}); err == nil {
		t.Error("Expected an error for an unknown fit method")
	}
}

func BenchmarkFit(b *testing.B) {
	dirs := [][3]float64{
		{0, 0, 0},
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{1, 1, 0}, {1, 0, 1}, {0, 1, 1},
		{1, -1, 0}, {1, 0, -1}, {0, 1, -1},
		{1, 1, 1}, {1, -1, 1}, {-1, 1, 1},
	}
	bvals := make([]float64, len(dirs))
	for i := 1; i < len(dirs); i++ {
		bvals[i] = 1000
	}
	gtab, err := gradient.New(bvals, dirs, 0)
	if err != nil {
		b.Fatalf("Failed to build gradient table: %v", err)
	}
	lower := [6]float64{1.5e-3, 0.1e-3, 0.6e-3, 0.05e-3, 0.02e-3, 0.3e-3}
	vol := signalVolume(gtab, lower, 1000, 32, 32, 8)

	model, err := NewModel(gtab, nil)
	if err != nil {
		b.Fatalf("NewModel failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := model.Fit(vol, nil); err != nil {
			b.Fatalf("Fit failed: %v", err)
		}
	}
}
