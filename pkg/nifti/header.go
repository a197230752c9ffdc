// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz). It covers the subset of the format needed for diffusion MRI
// processing: 3D/4D volumes of the common numeric datatypes on input, and
// float32 scalar maps or symmetric-tensor images on output.
//
// The header layout follows the official definition at
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

// Header is the 348-byte NIfTI-1 header.
//
// Type translation from the C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number of bits per voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for one slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]int8 // Free text
	AuxFile [24]int8 // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row of affine transform
	SRowY [4]float32 // 2nd row of affine transform
	SRowZ [4]float32 // 3rd row of affine transform

	IntentName [16]int8 // Meaning of the data

	Magic [4]int8 // Must be "n+1\0" for single-file images
}

// Header sizes. Voxel data in a single-file image starts at byte 352
// (348-byte header plus a 4-byte extension flag).
const (
	headerSize    = 348
	defaultOffset = 352
)

// NIFTI_TYPE_* datatype codes from nifti1.h.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

// NIFTI_INTENT_SYMMATRIX marks a 5D image whose fifth dimension holds the
// lower triangle of a symmetric matrix, one matrix per voxel.
const IntentSymMatrix = 1005

// NIFTI_XFORM_* codes for QFormCode/SFormCode.
const (
	xformUnknown = 0
	xformAligned = 2
)

// niftiMagic is "n+1\0": header and data share one file.
var niftiMagic = [4]int8{110, 43, 49, 0}
