package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Volume is an in-memory image volume. Voxel data is stored as a flat
// float64 array with x varying fastest, then y, z and t, matching the
// on-disk NIfTI ordering.
type Volume struct {
	// Data holds the voxel values after scl_slope/scl_inter scaling.
	Data []float64

	// Nx, Ny, Nz are the spatial dimensions; Nt is the number of
	// volumes along the fourth dimension (1 for a 3D image).
	Nx, Ny, Nz, Nt int

	// Affine maps voxel indices (i, j, k, 1) to scanner coordinates.
	Affine [4][4]float64

	// PixDim holds the voxel spacing along x, y, z in mm.
	PixDim [3]float64
}

// NumVoxels returns the number of spatial voxels (Nx*Ny*Nz).
func (v *Volume) NumVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// At returns the value at spatial index (x, y, z) in volume t.
func (v *Volume) At(x, y, z, t int) float64 {
	return v.Data[((t*v.Nz+z)*v.Ny+y)*v.Nx+x]
}

// VoxelSeries copies the values of spatial voxel i across all Nt volumes
// into dst, which must have length Nt. Used to extract the per-voxel
// diffusion signal.
func (v *Volume) VoxelSeries(i int, dst []float64) {
	n := v.NumVoxels()
	for t := 0; t < v.Nt; t++ {
		dst[t] = v.Data[t*n+i]
	}
}

// Load reads a single-file NIfTI-1 image. Files ending in .gz are
// decompressed transparently.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	hdr, order, err := ParseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	vol, err := decodeVoxels(hdr, order, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

// ParseHeader decodes the NIfTI-1 header from the start of raw and reports
// the byte order of the file. The byte order is inferred by decoding
// sizeof_hdr both ways, the same trick the reference C implementation uses.
func ParseHeader(raw []byte) (Header, binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return Header{}, nil, fmt.Errorf("file too short for a NIfTI-1 header (%d bytes)", len(raw))
	}

	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &h); err != nil {
		return Header{}, nil, err
	}
	if h.SizeOfHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &h); err != nil {
			return Header{}, nil, err
		}
	}

	if err := validateHeader(h); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

func validateHeader(h Header) error {
	if h.SizeOfHdr != headerSize {
		return fmt.Errorf("invalid header size %d, want %d", h.SizeOfHdr, headerSize)
	}
	if h.Magic != niftiMagic {
		return fmt.Errorf("invalid magic %v: only single-file (n+1) images are supported", h.Magic)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return fmt.Errorf("invalid dimension count %d", h.Dim[0])
	}
	return nil
}

func decodeVoxels(h Header, order binary.ByteOrder, raw []byte) (*Volume, error) {
	if h.Dim[0] > 4 {
		return nil, fmt.Errorf("unsupported dimensionality %d: only 3D and 4D images can be loaded", h.Dim[0])
	}
	nx, ny, nz := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	nt := 1
	if h.Dim[0] == 4 && h.Dim[4] > 1 {
		nt = int(h.Dim[4])
	}
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("invalid spatial dimensions %dx%dx%d", nx, ny, nz)
	}

	nvals := nx * ny * nz * nt
	bytesPer := int(h.BitPix) / 8
	offset := int(h.VoxOffset)
	if offset < defaultOffset {
		offset = defaultOffset
	}
	if len(raw) < offset+nvals*bytesPer {
		return nil, fmt.Errorf("voxel data truncated: need %d bytes at offset %d, have %d",
			nvals*bytesPer, offset, len(raw))
	}
	buf := raw[offset:]

	data := make([]float64, nvals)
	switch h.DataType {
	case dtUint8:
		for i := range data {
			data[i] = float64(buf[i])
		}
	case dtInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case dtInt32:
		for i := range data {
			data[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case dtFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case dtFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported datatype code %d", h.DataType)
	}

	// Apply the intensity scaling stored in the header. A zero slope
	// means no scaling was recorded.
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol := &Volume{
		Data:   data,
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Nt:     nt,
		Affine: affineFromHeader(h),
	}
	for i := 0; i < 3; i++ {
		vol.PixDim[i] = float64(h.PixDim[i+1])
	}
	return vol, nil
}

// affineFromHeader derives the voxel-to-world transform, preferring the
// sform, then the qform, then a pixdim-scaled identity.
func affineFromHeader(h Header) [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1

	switch {
	case h.SFormCode > 0:
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SRowX[j])
			a[1][j] = float64(h.SRowY[j])
			a[2][j] = float64(h.SRowZ[j])
		}
	case h.QFormCode > 0:
		b := float64(h.QuaternB)
		c := float64(h.QuaternC)
		d := float64(h.QuaternD)
		aa := 1 - b*b - c*c - d*d
		if aa < 0 {
			aa = 0
		}
		qa := math.Sqrt(aa)

		qfac := 1.0
		if h.PixDim[0] < 0 {
			qfac = -1.0
		}
		dx, dy := float64(h.PixDim[1]), float64(h.PixDim[2])
		dz := float64(h.PixDim[3]) * qfac

		a[0][0] = (qa*qa + b*b - c*c - d*d) * dx
		a[0][1] = (2*b*c - 2*qa*d) * dy
		a[0][2] = (2*b*d + 2*qa*c) * dz
		a[1][0] = (2*b*c + 2*qa*d) * dx
		a[1][1] = (qa*qa + c*c - b*b - d*d) * dy
		a[1][2] = (2*c*d - 2*qa*b) * dz
		a[2][0] = (2*b*d - 2*qa*c) * dx
		a[2][1] = (2*c*d + 2*qa*b) * dy
		a[2][2] = (qa*qa + d*d - b*b - c*c) * dz
		a[0][3] = float64(h.QOffsetX)
		a[1][3] = float64(h.QOffsetY)
		a[2][3] = float64(h.QOffsetZ)
	default:
		a[0][0] = float64(h.PixDim[1])
		a[1][1] = float64(h.PixDim[2])
		a[2][2] = float64(h.PixDim[3])
	}
	return a
}
