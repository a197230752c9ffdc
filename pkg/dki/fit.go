package dki

import (
	"math"

	"dwifit/pkg/dti"
)

// mkDirections is the size of the fixed spherical direction set used for
// the mean kurtosis estimate; rkDirections is the number of samples on the
// circle perpendicular to the principal eigenvector for radial kurtosis.
const (
	mkDirections = 100
	rkDirections = 36
)

// sphereDirs is a near-uniform unit direction set (Fibonacci lattice),
// shared by every mean kurtosis computation.
var sphereDirs = fibonacciSphere(mkDirections)

// Fit holds the per-voxel kurtosis model estimates. Tensor-derived maps
// come from the embedded diffusion tensor; kurtosis maps are computed from
// the fourth-order tensor W by sampling the directional apparent kurtosis.
type Fit struct {
	nx, ny, nz int
	fitted     []bool
	lower      []float64 // 6 per voxel, lower-triangular diffusion tensor
	evals      []float64 // 3 per voxel, descending, floored
	evecs      []float64 // 9 per voxel
	w          []float64 // 15 per voxel, see wElementOrder
}

// Dims returns the spatial dimensions of the fitted volume.
func (f *Fit) Dims() (nx, ny, nz int) {
	return f.nx, f.ny, f.nz
}

// Fitted reports whether voxel i holds a valid estimate.
func (f *Fit) Fitted(i int) bool {
	return f.fitted[i]
}

// LowerTriangular returns the six diffusion tensor component maps in
// lower-triangular order.
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

func (f *Fit) tensorMap(metric func(l1, l2, l3 float64) float64) []float64 {
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

// FA returns the fractional anisotropy map of the embedded tensor.
func (f *Fit) FA() []float64 {
	return f.tensorMap(dti.FractionalAnisotropy)
}

// MD returns the mean diffusivity map.
func (f *Fit) MD() []float64 {
	return f.tensorMap(dti.MeanDiffusivity)
}

// AD returns the axial diffusivity map.
func (f *Fit) AD() []float64 {
	return f.tensorMap(func(l1, _, _ float64) float64 { return dti.AxialDiffusivity(l1) })
}

// RD returns the radial diffusivity map.
func (f *Fit) RD() []float64 {
	return f.tensorMap(func(_, l2, l3 float64) float64 { return dti.RadialDiffusivity(l2, l3) })
}

// ApparentKurtosis evaluates the directional kurtosis of voxel i along the
// unit direction g:
//
//	K(g) = (MD² / ADC(g)²) · W_ijkl g_i g_j g_k g_l
//
// clamped to [MinKurtosis, MaxKurtosis].
func (f *Fit) ApparentKurtosis(i int, g [3]float64) float64 {
	if !f.fitted[i] {
		return 0
	}
	md := dti.MeanDiffusivity(f.evals[3*i], f.evals[3*i+1], f.evals[3*i+2])
	adc := f.adc(i, g)
	if adc <= 0 || md <= 0 {
		return 0
	}

	var quart [15]float64
	quartics(g[0], g[1], g[2], quart[:])
	w4 := 0.0
	for k := 0; k < 15; k++ {
		w4 += f.w[15*i+k] * quart[k]
	}
	return clampKurtosis(md * md / (adc * adc) * w4)
}

// adc evaluates gᵀ D g for voxel i.
func (f *Fit) adc(i int, g [3]float64) float64 {
	lo := f.lower[6*i : 6*i+6]
	x, y, z := g[0], g[1], g[2]
	return x*x*lo[0] + 2*x*y*lo[1] + y*y*lo[2] + 2*x*z*lo[3] + 2*y*z*lo[4] + z*z*lo[5]
}

// MK returns the mean kurtosis map: the directional kurtosis averaged over
// a fixed near-uniform direction set on the sphere.
func (f *Fit) MK() []float64 {
	nvox := f.nx * f.ny * f.nz
	out := make([]float64, nvox)
	for i := 0; i < nvox; i++ {
		if !f.fitted[i] {
			continue
		}
		sum := 0.0
		for _, g := range sphereDirs {
			sum += f.ApparentKurtosis(i, g)
		}
		out[i] = sum / float64(len(sphereDirs))
	}
	return out
}

// AK returns the axial kurtosis map: the directional kurtosis along the
// principal eigenvector of the diffusion tensor.
func (f *Fit) AK() []float64 {
	nvox := f.nx * f.ny * f.nz
	out := make([]float64, nvox)
	for i := 0; i < nvox; i++ {
		if !f.fitted[i] {
			continue
		}
		e1 := [3]float64{f.evecs[9*i], f.evecs[9*i+1], f.evecs[9*i+2]}
		out[i] = f.ApparentKurtosis(i, e1)
	}
	return out
}

// RK returns the radial kurtosis map: the directional kurtosis averaged
// around the circle perpendicular to the principal eigenvector.
func (f *Fit) RK() []float64 {
	nvox := f.nx * f.ny * f.nz
	out := make([]float64, nvox)
	for i := 0; i < nvox; i++ {
		if !f.fitted[i] {
			continue
		}
		e2 := [3]float64{f.evecs[9*i+3], f.evecs[9*i+4], f.evecs[9*i+5]}
		e3 := [3]float64{f.evecs[9*i+6], f.evecs[9*i+7], f.evecs[9*i+8]}
		sum := 0.0
		for k := 0; k < rkDirections; k++ {
			theta := 2 * math.Pi * float64(k) / rkDirections
			c, s := math.Cos(theta), math.Sin(theta)
			g := [3]float64{
				c*e2[0] + s*e3[0],
				c*e2[1] + s*e3[1],
				c*e2[2] + s*e3[2],
			}
			sum += f.ApparentKurtosis(i, g)
		}
		out[i] = sum / rkDirections
	}
	return out
}

// fibonacciSphere places n points near-uniformly on the unit sphere.
func fibonacciSphere(n int) [][3]float64 {
	dirs := make([][3]float64, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		y := 1 - 2*float64(i)/float64(n-1)
		r := math.Sqrt(1 - y*y)
		theta := golden * float64(i)
		dirs[i] = [3]float64{math.Cos(theta) * r, y, math.Sin(theta) * r}
	}
	return dirs
}
