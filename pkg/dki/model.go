// Package dki fits the diffusion kurtosis model, the extension of the
// diffusion tensor that captures non-Gaussian diffusion. The log-signal is
// quadratic in the b-value:
//
//	ln S(b, g) = ln S0 - b·ADC(g) + (b²/6)·MD²·K(g)
//
// with K(g) the directional kurtosis given by a fourth-order symmetric
// tensor W. Each voxel fit estimates 22 parameters: the six diffusion
// tensor components, the fifteen unique elements of W (scaled by MD²) and
// ln S0.
package dki

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"dwifit/pkg/dti"
	"dwifit/pkg/gradient"
	"dwifit/pkg/nifti"
)

// Kurtosis values outside this range are treated as fit noise and clamped,
// following common practice (-3/7 is the minimum for non-negative signals).
const (
	MinKurtosis = -3.0 / 7.0
	MaxKurtosis = 10.0
)

// Params controls the kurtosis fit. The fields mirror dti.Params.
type Params struct {
	Method    string
	MinSignal float64
	Workers   int
}

func (p *Params) withDefaults() Params {
	out := Params{Method: dti.MethodWLS, MinSignal: dti.MinPositiveSignal, Workers: runtime.NumCPU()}
	if p == nil {
		return out
	}
	if p.Method != "" {
		out.Method = p.Method
	}
	if p.MinSignal > 0 {
		out.MinSignal = p.MinSignal
	}
	if p.Workers > 0 {
		out.Workers = p.Workers
	}
	return out
}

// Model is a diffusion kurtosis model bound to one gradient table.
type Model struct {
	gtab           *gradient.Table
	design         *mat.Dense
	params         Params
	minDiffusivity float64
}

// NewModel builds a kurtosis model. The quadratic b-dependence only
// becomes identifiable with at least two non-zero shells, and the 21
// tensor parameters need at least 15 distinct directions.
func NewModel(gtab *gradient.Table, params *Params) (*Model, error) {
	if gtab.NumDirections() < 15 {
		return nil, fmt.Errorf("kurtosis fit needs at least 15 diffusion-weighted directions, got %d",
			gtab.NumDirections())
	}
	if shells := gtab.Shells(); len(shells) < 2 {
		return nil, fmt.Errorf("kurtosis fit needs at least 2 non-zero b-value shells, got %d", len(shells))
	}
	p := params.withDefaults()
	if p.Method != dti.MethodWLS && p.Method != dti.MethodOLS {
		return nil, fmt.Errorf("unknown fit method %q", p.Method)
	}
	return &Model{
		gtab:           gtab,
		design:         designMatrix(gtab),
		params:         p,
		minDiffusivity: 1e-6 / gtab.MaxB(),
	}, nil
}

// designMatrix builds the N x 22 regression matrix: the six DTI columns,
// fifteen kurtosis columns (b²/6 times the direction monomials with their
// multinomial multiplicities, ordered to match the W element layout) and a
// final column absorbing ln S0.
func designMatrix(gtab *gradient.Table) *mat.Dense {
	n := gtab.Len()
	d := mat.NewDense(n, 22, nil)
	row := make([]float64, 22)
	for i := 0; i < n; i++ {
		b := gtab.Bvals[i]
		g := gtab.Bvecs[i]
		x, y, z := g[0], g[1], g[2]

		row[0] = -b * x * x
		row[1] = -2 * b * x * y
		row[2] = -b * y * y
		row[3] = -2 * b * x * z
		row[4] = -2 * b * y * z
		row[5] = -b * z * z

		q := b * b / 6
		quartics(x, y, z, row[6:21])
		for k := 6; k < 21; k++ {
			row[k] *= q
		}
		row[21] = 1

		d.SetRow(i, row)
	}
	return d
}

// wElementOrder documents the layout of the fifteen unique kurtosis tensor
// elements used throughout this package:
//
//	Wxxxx Wyyyy Wzzzz Wxxxy Wxxxz Wxyyy Wyyyz Wxzzz Wyzzz
//	Wxxyy Wxxzz Wyyzz Wxxyz Wxyyz Wxyzz
//
// quartics writes the direction monomials with their multiplicities
// (1, 4, 6 or 12) into dst, so that dot(W, dst) equals the full
// fourth-order contraction W_ijkl g_i g_j g_k g_l.
func quartics(x, y, z float64, dst []float64) {
	dst[0] = x * x * x * x
	dst[1] = y * y * y * y
	dst[2] = z * z * z * z
	dst[3] = 4 * x * x * x * y
	dst[4] = 4 * x * x * x * z
	dst[5] = 4 * x * y * y * y
	dst[6] = 4 * y * y * y * z
	dst[7] = 4 * x * z * z * z
	dst[8] = 4 * y * z * z * z
	dst[9] = 6 * x * x * y * y
	dst[10] = 6 * x * x * z * z
	dst[11] = 6 * y * y * z * z
	dst[12] = 12 * x * x * y * z
	dst[13] = 12 * x * y * y * z
	dst[14] = 12 * x * y * z * z
}

// Fit estimates the kurtosis model in every voxel of vol, with the same
// masking and worker-pool behavior as the tensor fit.
func (m *Model) Fit(vol *nifti.Volume, mask []bool) (*Fit, error) {
	if vol.Nt != m.gtab.Len() {
		return nil, fmt.Errorf("volume has %d frames but gradient table describes %d", vol.Nt, m.gtab.Len())
	}
	nvox := vol.NumVoxels()
	if mask != nil && len(mask) != nvox {
		return nil, fmt.Errorf("mask has %d voxels, volume has %d", len(mask), nvox)
	}

	fit := &Fit{
		nx:     vol.Nx,
		ny:     vol.Ny,
		nz:     vol.Nz,
		fitted: make([]bool, nvox),
		lower:  make([]float64, 6*nvox),
		evals:  make([]float64, 3*nvox),
		evecs:  make([]float64, 9*nvox),
		w:      make([]float64, 15*nvox),
	}

	workers := m.params.Workers
	if workers > vol.Nz {
		workers = vol.Nz
	}
	if workers < 1 {
		workers = 1
	}

	slices := make(chan int, vol.Nz)
	for z := 0; z < vol.Nz; z++ {
		slices <- z
	}
	close(slices)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			solver := dti.NewLogLinearSolver(m.design, m.params.Method == dti.MethodWLS)
			signal := make([]float64, vol.Nt)
			sliceSize := vol.Nx * vol.Ny
			for z := range slices {
				for i := z * sliceSize; i < (z+1)*sliceSize; i++ {
					if mask != nil && !mask[i] {
						continue
					}
					vol.VoxelSeries(i, signal)
					theta, ok := solver.Solve(signal, m.params.MinSignal)
					if !ok {
						continue
					}
					m.storeVoxel(fit, i, theta)
				}
			}
		}()
	}
	wg.Wait()

	return fit, nil
}

func (m *Model) storeVoxel(fit *Fit, i int, theta []float64) {
	copy(fit.lower[6*i:6*i+6], theta[:6])

	var lo [6]float64
	copy(lo[:], theta[:6])
	evals, evecs := dti.DecomposeTensor(lo, m.minDiffusivity)
	for k := 0; k < 3; k++ {
		fit.evals[3*i+k] = evals[k]
		for j := 0; j < 3; j++ {
			fit.evecs[9*i+3*k+j] = evecs[k][j]
		}
	}

	// The regression estimates MD²·W; rescale to recover W itself.
	md := dti.MeanDiffusivity(evals[0], evals[1], evals[2])
	if md > 0 {
		inv := 1 / (md * md)
		for k := 0; k < 15; k++ {
			fit.w[15*i+k] = theta[6+k] * inv
		}
	}
	fit.fitted[i] = true
}

// clampKurtosis keeps directional kurtosis estimates inside the physically
// plausible range.
func clampKurtosis(k float64) float64 {
	if math.IsNaN(k) {
		return 0
	}
	if k < MinKurtosis {
		return MinKurtosis
	}
	if k > MaxKurtosis {
		return MaxKurtosis
	}
	return k
}
