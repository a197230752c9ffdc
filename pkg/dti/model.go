// Package dti fits the diffusion tensor model to diffusion-weighted MRI
// volumes and derives the standard scalar maps (FA, MD, RD, AD and tensor
// mode) from the per-voxel eigen-decomposition.
//
// The signal model is S(b, g) = S0 * exp(-b * gᵀ D g) with D a symmetric
// 3x3 tensor. Taking logs makes the fit linear: each voxel's log-signal is
// regressed against a shared design matrix, by ordinary or weighted least
// squares.
package dti

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"dwifit/pkg/gradient"
	"dwifit/pkg/nifti"
)

// Fit methods.
const (
	MethodWLS = "wls"
	MethodOLS = "ols"
)

// MinPositiveSignal is the floor applied to measured signals before the
// log transform, so that zero-signal voxels stay finite.
const MinPositiveSignal = 1e-4

// Params controls the tensor fit.
type Params struct {
	// Method selects the regression: MethodWLS (default) or MethodOLS.
	// WLS runs an OLS pass first and reweights by the squared predicted
	// signals, which corrects the heteroskedasticity introduced by the
	// log transform.
	Method string

	// MinSignal is the signal floor before the log transform. Zero
	// selects MinPositiveSignal.
	MinSignal float64

	// Workers is the number of goroutines fitting slices in parallel.
	// Zero selects runtime.NumCPU().
	Workers int
}

func (p *Params) withDefaults() Params {
	out := Params{Method: MethodWLS, MinSignal: MinPositiveSignal, Workers: runtime.NumCPU()}
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

// Model is a diffusion tensor model bound to one gradient table. A model
// is immutable after construction and safe to share across fits.
type Model struct {
	gtab   *gradient.Table
	design *mat.Dense
	params Params

	// minDiffusivity is the eigenvalue floor used when decomposing
	// fitted tensors, scaled to the acquisition's strongest gradient.
	minDiffusivity float64
}

// NewModel builds a tensor model for the given acquisition scheme. The
// scheme needs at least six diffusion-weighted directions on top of the b0
// reference for the six tensor components to be determined.
func NewModel(gtab *gradient.Table, params *Params) (*Model, error) {
	if gtab.NumDirections() < 6 {
		return nil, fmt.Errorf("tensor fit needs at least 6 diffusion-weighted directions, got %d",
			gtab.NumDirections())
	}
	p := params.withDefaults()
	if p.Method != MethodWLS && p.Method != MethodOLS {
		return nil, fmt.Errorf("unknown fit method %q", p.Method)
	}
	return &Model{
		gtab:           gtab,
		design:         designMatrix(gtab),
		params:         p,
		minDiffusivity: 1e-6 / gtab.MaxB(),
	}, nil
}

// designMatrix builds the N x 7 regression matrix. Row i for b-value b and
// unit direction g is
//
//	[-b gx², -2b gx gy, -b gy², -2b gx gz, -2b gy gz, -b gz², 1]
//
// matching the lower-triangular component order (Dxx, Dxy, Dyy, Dxz, Dyz,
// Dzz); the last column absorbs ln S0.
func designMatrix(gtab *gradient.Table) *mat.Dense {
	n := gtab.Len()
	d := mat.NewDense(n, 7, nil)
	for i := 0; i < n; i++ {
		b := gtab.Bvals[i]
		g := gtab.Bvecs[i]
		d.SetRow(i, []float64{
			-b * g[0] * g[0],
			-2 * b * g[0] * g[1],
			-b * g[1] * g[1],
			-2 * b * g[0] * g[2],
			-2 * b * g[1] * g[2],
			-b * g[2] * g[2],
			1,
		})
	}
	return d
}

// Fit estimates a tensor in every voxel of vol. The optional mask (one
// bool per spatial voxel) restricts the fit; voxels outside it stay zero
// in every derived map. Slices are distributed over a bounded worker pool.
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
			solver := NewLogLinearSolver(m.design, m.params.Method == MethodWLS)
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
	evals, evecs := DecomposeTensor(lo, m.minDiffusivity)
	for k := 0; k < 3; k++ {
		fit.evals[3*i+k] = evals[k]
		for j := 0; j < 3; j++ {
			fit.evecs[9*i+3*k+j] = evecs[k][j]
		}
	}
	fit.fitted[i] = true
}

// LogLinearSolver solves the per-voxel log-linear regression shared by the
// tensor and kurtosis models. It carries per-worker scratch space so the
// hot loop does not allocate; a solver is not safe for concurrent use.
type LogLinearSolver struct {
	design *mat.Dense
	wls    bool

	n, p    int
	y       *mat.VecDense
	theta   *mat.VecDense
	pred    *mat.VecDense
	wdesign *mat.Dense
	wy      *mat.VecDense
}

// NewLogLinearSolver builds a solver for the given design matrix. With wls
// set, every solve runs an OLS pass first and reweights by the squared
// predicted signals.
func NewLogLinearSolver(design *mat.Dense, wls bool) *LogLinearSolver {
	n, p := design.Dims()
	s := &LogLinearSolver{
		design: design,
		wls:    wls,
		n:      n,
		p:      p,
		y:      mat.NewVecDense(n, nil),
		theta:  mat.NewVecDense(p, nil),
	}
	if wls {
		s.pred = mat.NewVecDense(n, nil)
		s.wdesign = mat.NewDense(n, p, nil)
		s.wy = mat.NewVecDense(n, nil)
	}
	return s
}

// Solve regresses the log of signal against the design matrix and returns
// the fitted parameter vector, which stays valid until the next call. ok
// is false when the system is singular for this voxel.
func (s *LogLinearSolver) Solve(signal []float64, minSignal float64) ([]float64, bool) {
	for i, v := range signal {
		// NaN and infinite samples get the same floor as sub-threshold
		// ones, so corrupt voxels cannot poison the regression.
		if v < minSignal || math.IsNaN(v) || math.IsInf(v, 1) {
			v = minSignal
		}
		s.y.SetVec(i, math.Log(v))
	}

	if err := s.theta.SolveVec(s.design, s.y); err != nil {
		return nil, false
	}

	if s.wls {
		// Reweight rows by the predicted signals from the OLS pass
		// and solve again. Scaling each row by exp(pred) applies
		// weights equal to the squared predicted signals.
		s.pred.MulVec(s.design, s.theta)
		for i := 0; i < s.n; i++ {
			w := math.Exp(s.pred.AtVec(i))
			for j := 0; j < s.p; j++ {
				s.wdesign.Set(i, j, w*s.design.At(i, j))
			}
			s.wy.SetVec(i, w*s.y.AtVec(i))
		}
		if err := s.theta.SolveVec(s.wdesign, s.wy); err != nil {
			return nil, false
		}
	}

	return s.theta.RawVector().Data, true
}
