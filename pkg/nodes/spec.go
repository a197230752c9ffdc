// Package nodes exposes the diffusion model fits as workflow pipeline
// nodes. Each node declares its input files, loads the acquisition,
// delegates the fit to the model packages and writes one output volume per
// derived metric, with deterministic generated filenames.
//
// Every node runs the same sequence: load image, build gradient table,
// apply the optional mask, fit, save each metric as its own volume
// inheriting the input's affine, and log every file written.
package nodes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"dwifit/pkg/config"
	"dwifit/pkg/dicomvol"
	"dwifit/pkg/gradient"
	"dwifit/pkg/nifti"
	"dwifit/pkg/preview"
)

// InputSpec declares the input files shared by all fitting nodes.
type InputSpec struct {
	// InFile is the 4D diffusion-weighted image (required). It may be a
	// NIfTI file or a directory holding a single-frame DICOM series.
	InFile string

	// BValFile and BVecFile are the FSL-style gradient companion files.
	// Required for NIfTI inputs; ignored for DICOM series, which carry
	// the scheme in their own metadata.
	BValFile string
	BVecFile string

	// MaskFile optionally restricts the fit to the nonzero voxels of a
	// 3D volume (e.g. a white matter mask).
	MaskFile string

	// OutDir is the output directory; empty means next to InFile.
	OutDir string

	// OutPrefix overrides the generated output base name, which
	// otherwise derives from InFile.
	OutPrefix string
}

// node carries the state shared by the concrete node types.
type node struct {
	inputs  InputSpec
	cfg     *config.Config
	log     zerolog.Logger
	outputs map[string]string
}

func newNode(inputs InputSpec, cfg *config.Config, log zerolog.Logger) node {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return node{inputs: inputs, cfg: cfg, log: log, outputs: make(map[string]string)}
}

// Outputs returns the metric name to filename map populated by Run.
func (n *node) Outputs() map[string]string {
	out := make(map[string]string, len(n.outputs))
	for k, v := range n.outputs {
		out[k] = v
	}
	return out
}

func (n *node) validate(needGradients bool) error {
	if n.inputs.InFile == "" {
		return fmt.Errorf("in_file is required")
	}
	info, err := os.Stat(n.inputs.InFile)
	if err != nil {
		return fmt.Errorf("in_file: %w", err)
	}
	if needGradients && !info.IsDir() {
		if n.inputs.BValFile == "" || n.inputs.BVecFile == "" {
			return fmt.Errorf("bval and bvec files are required for NIfTI input")
		}
	}
	return nil
}

// loadAcquisition loads the diffusion volume and its gradient table, from
// either a NIfTI file plus companions or a DICOM series directory.
func (n *node) loadAcquisition() (*nifti.Volume, *gradient.Table, error) {
	info, err := os.Stat(n.inputs.InFile)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return dicomvol.LoadSeries(n.inputs.InFile, n.cfg.Fitting.B0Threshold)
	}

	vol, err := nifti.Load(n.inputs.InFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load diffusion image: %w", err)
	}
	gtab, err := gradient.Load(n.inputs.BValFile, n.inputs.BVecFile, n.cfg.Fitting.B0Threshold)
	if err != nil {
		return nil, nil, err
	}
	return vol, gtab, nil
}

// loadMask reads the optional mask file and returns a per-voxel inclusion
// mask, or nil when no mask was declared.
func (n *node) loadMask(vol *nifti.Volume) ([]bool, error) {
	if n.inputs.MaskFile == "" {
		return nil, nil
	}
	mvol, err := nifti.Load(n.inputs.MaskFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load mask: %w", err)
	}
	if mvol.Nx != vol.Nx || mvol.Ny != vol.Ny || mvol.Nz != vol.Nz {
		return nil, fmt.Errorf("mask dimensions %dx%dx%d do not match image %dx%dx%d",
			mvol.Nx, mvol.Ny, mvol.Nz, vol.Nx, vol.Ny, vol.Nz)
	}
	mask := make([]bool, vol.NumVoxels())
	for i := range mask {
		mask[i] = mvol.Data[i] != 0
	}
	return mask, nil
}

// genFilename derives the output filename for a metric from the input
// name: base(in_file) with its NIfTI extension stripped, "_<metric>"
// appended and the extension restored. The result is deterministic in
// (input name, metric, prefix).
func (n *node) genFilename(metric string) string {
	base := filepath.Base(n.inputs.InFile)
	ext := ".nii"
	if strings.HasSuffix(base, ".gz") {
		base = strings.TrimSuffix(base, ".gz")
		ext = ".nii.gz"
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if n.cfg.Output.Compress {
		ext = ".nii.gz"
	}
	if n.inputs.OutPrefix != "" {
		base = n.inputs.OutPrefix
	}

	dir := n.inputs.OutDir
	if dir == "" {
		dir = filepath.Dir(n.inputs.InFile)
	}
	return filepath.Join(dir, base+"_"+metric+ext)
}

// saveScalar writes a metric map as a 3D volume inheriting the input
// affine, records it in the outputs map and logs the filename.
func (n *node) saveScalar(model, metric string, data []float64, vol *nifti.Volume) error {
	path := n.genFilename(metric)
	if err := nifti.SaveScalar(path, data, vol.Nx, vol.Ny, vol.Nz, vol.Affine); err != nil {
		return fmt.Errorf("failed to save %s map: %w", metric, err)
	}
	n.outputs[metric] = path
	n.log.Info().Str("model", model).Str("metric", metric).Str("file", path).Msg("image saved")

	if n.cfg.Output.SavePreviews {
		if err := preview.SaveMidSlices(data, vol.Nx, vol.Ny, vol.Nz, previewDir(path), metric); err != nil {
			n.log.Warn().Err(err).Str("metric", metric).Msg("failed to save preview")
		}
	}
	return nil
}

// saveTensor writes the lower-triangular tensor components as a
// symmetric-matrix volume under the model's own name ("dti" or "dki").
func (n *node) saveTensor(model string, comps [][]float64, vol *nifti.Volume) error {
	path := n.genFilename(model)
	if err := nifti.SaveSymTensor(path, comps, vol.Nx, vol.Ny, vol.Nz, vol.Affine); err != nil {
		return fmt.Errorf("failed to save %s parameters: %w", model, err)
	}
	n.outputs["out_file"] = path
	n.log.Info().Str("model", model).Str("file", path).Msg("parameters image saved")
	return nil
}

func previewDir(mapPath string) string {
	return filepath.Join(filepath.Dir(mapPath), "previews")
}
