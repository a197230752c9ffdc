package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// SaveScalar writes a 3D float32 image. The affine is stored as the sform
// (code "aligned") so that derived maps stay registered to the image they
// were computed from.
func SaveScalar(path string, data []float64, nx, ny, nz int, affine [4][4]float64) error {
	if len(data) != nx*ny*nz {
		return fmt.Errorf("data length %d does not match dimensions %dx%dx%d", len(data), nx, ny, nz)
	}
	h := newFloat32Header(affine)
	h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	return writeImage(path, h, data)
}

// SaveSeries writes a 4D float32 image, one volume per frame. data is laid
// out like Volume.Data: x fastest, then y, z, t.
func SaveSeries(path string, data []float64, nx, ny, nz, nt int, affine [4][4]float64) error {
	if len(data) != nx*ny*nz*nt {
		return fmt.Errorf("data length %d does not match dimensions %dx%dx%dx%d", len(data), nx, ny, nz, nt)
	}
	h := newFloat32Header(affine)
	h.Dim = [8]int16{4, int16(nx), int16(ny), int16(nz), int16(nt), 1, 1, 1}
	return writeImage(path, h, data)
}

// SaveSymTensor writes a symmetric-tensor image: a 5D float32 volume whose
// fifth dimension holds the six lower-triangular tensor components per
// voxel, tagged with the NIFTI_INTENT_SYMMATRIX intent. comps must contain
// six component maps of nx*ny*nz values each, in lower-triangular order.
func SaveSymTensor(path string, comps [][]float64, nx, ny, nz int, affine [4][4]float64) error {
	if len(comps) != 6 {
		return fmt.Errorf("symmetric 3x3 tensor needs 6 components, got %d", len(comps))
	}
	nvox := nx * ny * nz
	for i, c := range comps {
		if len(c) != nvox {
			return fmt.Errorf("component %d has %d values, want %d", i, len(c), nvox)
		}
	}

	h := newFloat32Header(affine)
	h.Dim = [8]int16{5, int16(nx), int16(ny), int16(nz), 1, 6, 1, 1}
	h.IntentCode = IntentSymMatrix
	h.IntentP1 = 3 // matrix order

	flat := make([]float64, 0, 6*nvox)
	for _, c := range comps {
		flat = append(flat, c...)
	}
	return writeImage(path, h, flat)
}

func newFloat32Header(affine [4][4]float64) Header {
	h := Header{
		SizeOfHdr: headerSize,
		DataType:  dtFloat32,
		BitPix:    32,
		VoxOffset: defaultOffset,
		SclSlope:  1,
		SFormCode: xformAligned,
		QFormCode: xformUnknown,
		Magic:     niftiMagic,
	}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(affine[0][j])
		h.SRowY[j] = float32(affine[1][j])
		h.SRowZ[j] = float32(affine[2][j])
	}
	// pixdim from the column norms of the rotation part, so viewers that
	// ignore the sform still get the right voxel size.
	h.PixDim[0] = 1
	for j := 0; j < 3; j++ {
		n := math.Sqrt(affine[0][j]*affine[0][j] + affine[1][j]*affine[1][j] + affine[2][j]*affine[2][j])
		if n == 0 {
			n = 1
		}
		h.PixDim[j+1] = float32(n)
	}
	return h
}

func writeImage(path string, h Header, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer
	var gz *gzip.Writer
	bw := bufio.NewWriter(f)
	w = bw
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Extension flag: four zero bytes, no extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
