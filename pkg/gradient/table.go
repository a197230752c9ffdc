// Package gradient loads and validates diffusion gradient tables from
// FSL-style bvals/bvecs companion files.
package gradient

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
)

// DefaultB0Threshold is the b-value (s/mm²) below which a volume is treated
// as a non-diffusion-weighted b0 reference.
const DefaultB0Threshold = 50.0

// Table describes the diffusion-weighting scheme of an acquisition: one
// b-value and one unit gradient direction per volume.
type Table struct {
	// Bvals holds the diffusion weighting per volume in s/mm².
	Bvals []float64

	// Bvecs holds the unit gradient direction per volume. Directions of
	// b0 volumes are zero vectors.
	Bvecs [][3]float64

	// B0Threshold classifies volumes with Bvals below it as b0s.
	B0Threshold float64
}

// Load reads a gradient table from bvals and bvecs files. The bvals file
// holds N whitespace-separated scalars; the bvecs file holds either three
// rows of N columns (FSL layout) or N rows of three columns. A
// non-positive threshold selects DefaultB0Threshold.
func Load(bvalPath, bvecPath string, b0Threshold float64) (*Table, error) {
	bvals, err := readNumericRows(bvalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bvals: %w", err)
	}
	flat := flatten(bvals)
	if len(flat) == 0 {
		return nil, fmt.Errorf("bvals file %s holds no values", bvalPath)
	}

	rows, err := readNumericRows(bvecPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bvecs: %w", err)
	}
	bvecs, err := orientBvecs(rows, len(flat))
	if err != nil {
		return nil, fmt.Errorf("bvecs file %s: %w", bvecPath, err)
	}

	if b0Threshold <= 0 {
		b0Threshold = DefaultB0Threshold
	}
	t := &Table{Bvals: flat, Bvecs: bvecs, B0Threshold: b0Threshold}
	t.normalize()
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// New builds a table from in-memory b-values and directions, normalizing
// the directions. Used by acquisition loaders that carry the scheme in
// their own metadata (e.g. DICOM).
func New(bvals []float64, bvecs [][3]float64, b0Threshold float64) (*Table, error) {
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("got %d b-values but %d directions", len(bvals), len(bvecs))
	}
	if b0Threshold <= 0 {
		b0Threshold = DefaultB0Threshold
	}
	t := &Table{
		Bvals:       append([]float64(nil), bvals...),
		Bvecs:       append([][3]float64(nil), bvecs...),
		B0Threshold: b0Threshold,
	}
	t.normalize()
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Len returns the number of volumes described by the table.
func (t *Table) Len() int {
	return len(t.Bvals)
}

// IsB0 reports whether volume i is a b0 reference.
func (t *Table) IsB0(i int) bool {
	return t.Bvals[i] < t.B0Threshold
}

// B0s returns a per-volume mask of b0 references.
func (t *Table) B0s() []bool {
	mask := make([]bool, len(t.Bvals))
	for i := range t.Bvals {
		mask[i] = t.IsB0(i)
	}
	return mask
}

// NumB0s returns the number of b0 volumes.
func (t *Table) NumB0s() int {
	n := 0
	for i := range t.Bvals {
		if t.IsB0(i) {
			n++
		}
	}
	return n
}

// NumDirections returns the number of diffusion-weighted volumes.
func (t *Table) NumDirections() int {
	return t.Len() - t.NumB0s()
}

// MaxB returns the largest b-value in the table.
func (t *Table) MaxB() float64 {
	max := 0.0
	for _, b := range t.Bvals {
		if b > max {
			max = b
		}
	}
	return max
}

// Shells returns the distinct non-zero b-values, grouping values that
// differ by less than the b0 threshold into one shell.
func (t *Table) Shells() []float64 {
	var shells []float64
	for i, b := range t.Bvals {
		if t.IsB0(i) {
			continue
		}
		found := false
		for _, s := range shells {
			if math.Abs(s-b) < t.B0Threshold {
				found = true
				break
			}
		}
		if !found {
			shells = append(shells, b)
		}
	}
	return shells
}

// normalize scales every diffusion-weighted direction to unit length.
func (t *Table) normalize() {
	for i := range t.Bvecs {
		if t.IsB0(i) {
			continue
		}
		v := t.Bvecs[i]
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if n == 0 {
			continue
		}
		t.Bvecs[i] = [3]float64{v[0] / n, v[1] / n, v[2] / n}
	}
}

func (t *Table) validate() error {
	if t.NumB0s() == 0 {
		return fmt.Errorf("gradient table has no b0 volume (threshold %.1f)", t.B0Threshold)
	}
	for i := range t.Bvecs {
		if t.IsB0(i) {
			continue
		}
		v := t.Bvecs[i]
		if v[0] == 0 && v[1] == 0 && v[2] == 0 {
			return fmt.Errorf("volume %d has b=%.1f but a zero gradient direction", i, t.Bvals[i])
		}
	}
	return nil
}

// readNumericRows parses a whitespace-separated numeric text file into one
// row of values per non-empty line.
func readNumericRows(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := splitFields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid value %q", lineNo, field)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func splitFields(line string) []string {
	var fields []string
	start := -1
	for i, c := range line {
		if c == ' ' || c == '\t' || c == '\r' || c == ',' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func flatten(rows [][]float64) []float64 {
	var flat []float64
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return flat
}

// orientBvecs accepts either the FSL 3xN layout or an Nx3 layout and
// returns one direction per volume.
func orientBvecs(rows [][]float64, n int) ([][3]float64, error) {
	vecs := make([][3]float64, n)
	switch {
	case len(rows) == 3 && len(rows[0]) == n && len(rows[1]) == n && len(rows[2]) == n:
		for i := 0; i < n; i++ {
			vecs[i] = [3]float64{rows[0][i], rows[1][i], rows[2][i]}
		}
	case len(rows) == n && allRowsLen(rows, 3):
		for i, r := range rows {
			vecs[i] = [3]float64{r[0], r[1], r[2]}
		}
	default:
		return nil, fmt.Errorf("expected 3x%d or %dx3 values, got %d rows", n, n, len(rows))
	}
	return vecs, nil
}

func allRowsLen(rows [][]float64, want int) bool {
	for _, r := range rows {
		if len(r) != want {
			return false
		}
	}
	return true
}
