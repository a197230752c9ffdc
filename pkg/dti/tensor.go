package dti

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DecomposeTensor eigen-decomposes a symmetric tensor given by its lower
// triangle (Dxx, Dxy, Dyy, Dxz, Dyz, Dzz). Eigenvalues come back sorted
// descending and floored at minDiffusivity, each paired with its unit
// eigenvector. Negative eigenvalues are physically meaningless noise
// artifacts, so flooring keeps the derived metrics finite.
func DecomposeTensor(lower [6]float64, minDiffusivity float64) (evals [3]float64, evecs [3][3]float64) {
	sym := mat.NewSymDense(3, []float64{
		lower[0], lower[1], lower[3],
		lower[1], lower[2], lower[4],
		lower[3], lower[4], lower[5],
	})

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return evals, evecs
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// gonum returns eigenvalues in ascending order.
	for k := 0; k < 3; k++ {
		src := 2 - k
		v := vals[src]
		if v < minDiffusivity {
			v = minDiffusivity
		}
		evals[k] = v
		for j := 0; j < 3; j++ {
			evecs[k][j] = vecs.At(j, src)
		}
	}
	return evals, evecs
}

// FractionalAnisotropy computes FA from sorted eigenvalues. FA is zero for
// an isotropic tensor and approaches one as diffusion collapses onto a
// single axis.
func FractionalAnisotropy(l1, l2, l3 float64) float64 {
	den := l1*l1 + l2*l2 + l3*l3
	if den == 0 {
		return 0
	}
	num := (l1-l2)*(l1-l2) + (l2-l3)*(l2-l3) + (l3-l1)*(l3-l1)
	return math.Sqrt(0.5 * num / den)
}

// MeanDiffusivity is the eigenvalue average.
func MeanDiffusivity(l1, l2, l3 float64) float64 {
	return (l1 + l2 + l3) / 3
}

// AxialDiffusivity is the diffusivity along the principal axis.
func AxialDiffusivity(l1 float64) float64 {
	return l1
}

// RadialDiffusivity is the average diffusivity perpendicular to the
// principal axis.
func RadialDiffusivity(l2, l3 float64) float64 {
	return (l2 + l3) / 2
}

// TensorMode computes the mode of the tensor shape from its eigenvalues,
// following Ennis and Kindlmann (MRM 2006): the normalized determinant of
// the deviatoric tensor, scaled to [-1, 1]. Planar tensors map to -1,
// isotropic to 0 and linear to +1.
func TensorMode(l1, l2, l3 float64) float64 {
	mean := (l1 + l2 + l3) / 3
	d1, d2, d3 := l1-mean, l2-mean, l3-mean
	norm := math.Sqrt(d1*d1 + d2*d2 + d3*d3)
	if norm == 0 {
		return 0
	}
	mode := 3 * math.Sqrt(6) * (d1 / norm) * (d2 / norm) * (d3 / norm)
	if mode > 1 {
		mode = 1
	} else if mode < -1 {
		mode = -1
	}
	return mode
}
