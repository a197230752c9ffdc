package dti

// Fit holds the per-voxel tensor estimates for one volume. Metric maps
// are derived on demand; voxels outside the mask (or whose fit failed)
// carry zeros everywhere.
type Fit struct {
	nx, ny, nz int
	fitted     []bool
	lower      []float64 // 6 per voxel: Dxx, Dxy, Dyy, Dxz, Dyz, Dzz
	evals      []float64 // 3 per voxel, descending, floored
	evecs      []float64 // 9 per voxel, eigenvector rows matching evals
}

// Dims returns the spatial dimensions of the fitted volume.
func (f *Fit) Dims() (nx, ny, nz int) {
	return f.nx, f.ny, f.nz
}

// Fitted reports whether voxel i holds a valid tensor estimate.
func (f *Fit) Fitted(i int) bool {
	return f.fitted[i]
}

// Evals returns the sorted eigenvalues of voxel i.
func (f *Fit) Evals(i int) [3]float64 {
	return [3]float64{f.evals[3*i], f.evals[3*i+1], f.evals[3*i+2]}
}

// Evec returns eigenvector k (0 = principal) of voxel i.
func (f *Fit) Evec(i, k int) [3]float64 {
	o := 9*i + 3*k
	return [3]float64{f.evecs[o], f.evecs[o+1], f.evecs[o+2]}
}

// LowerTriangular returns the six tensor component maps in
// lower-triangular order, each nx*ny*nz long. This is the layout of a
// symmetric-matrix NIfTI image.
func (f *Fit) LowerTriangular() [][]float64 {
	nvox := f.nx * f.ny * f.nz
	comps := make([][]float64, 6)
	for c := range comps {
		comps[c] = make([]float64, nvox)
	}
	for i := 0; i < nvox; i++ {
		if !f.fitted[i] {
			continue
		}
		for c := 0; c < 6; c++ {
			comps[c][i] = f.lower[6*i+c]
		}
	}
	return comps
}

func (f *Fit) metricMap(metric func(l1, l2, l3 float64) float64) []float64 {
	nvox := f.nx * f.ny * f.nz
	out := make([]float64, nvox)
	for i := 0; i < nvox; i++ {
		if !f.fitted[i] {
			continue
		}
		out[i] = metric(f.evals[3*i], f.evals[3*i+1], f.evals[3*i+2])
	}
	return out
}

// FA returns the fractional anisotropy map.
func (f *Fit) FA() []float64 {
	return f.metricMap(FractionalAnisotropy)
}

// MD returns the mean diffusivity map.
func (f *Fit) MD() []float64 {
	return f.metricMap(MeanDiffusivity)
}

// AD returns the axial diffusivity map.
func (f *Fit) AD() []float64 {
	return f.metricMap(func(l1, _, _ float64) float64 { return AxialDiffusivity(l1) })
}

// RD returns the radial diffusivity map.
func (f *Fit) RD() []float64 {
	return f.metricMap(func(_, l2, l3 float64) float64 { return RadialDiffusivity(l2, l3) })
}

// Mode returns the tensor mode map.
func (f *Fit) Mode() []float64 {
	return f.metricMap(TensorMode)
}
