package nodes

import (
	"github.com/rs/zerolog"

	"dwifit/pkg/config"
	"dwifit/pkg/dti"
	"dwifit/pkg/nifti"
)

// b0MaskThreshold is the intensity cutoff on the first volume used to skip
// background voxels when no explicit mask is given.
const b0MaskThreshold = 50.0

// TensorMode fits the diffusion tensor and writes a single map of the
// tensor mode, the shape invariant of Ennis and Kindlmann (MRM 2006)
// distinguishing linear, planar and spherical diffusion.
type TensorMode struct {
	node
}

// NewTensorMode builds a tensor mode node. A nil cfg selects defaults.
func NewTensorMode(inputs InputSpec, cfg *config.Config, log zerolog.Logger) *TensorMode {
	return &TensorMode{node: newNode(inputs, cfg, log)}
}

// Run executes the node. When no mask file is declared, voxels whose first
// volume intensity is at most b0MaskThreshold are skipped, so tensors are
// not fit for background.
func (n *TensorMode) Run() error {
	if err := n.validate(true); err != nil {
		return err
	}
	vol, gtab, err := n.loadAcquisition()
	if err != nil {
		return err
	}
	mask, err := n.loadMask(vol)
	if err != nil {
		return err
	}
	if mask == nil {
		mask = intensityMask(vol, b0MaskThreshold)
	}

	model, err := dti.NewModel(gtab, &dti.Params{
		Method:    n.cfg.Fitting.Method,
		MinSignal: n.cfg.Fitting.MinSignal,
		Workers:   n.cfg.Fitting.Workers,
	})
	if err != nil {
		return err
	}
	fit, err := model.Fit(vol, mask)
	if err != nil {
		return err
	}

	return n.saveScalar("mode", "mode", fit.Mode(), vol)
}

// intensityMask includes voxels whose first-volume intensity exceeds the
// threshold.
func intensityMask(vol *nifti.Volume, threshold float64) []bool {
	mask := make([]bool, vol.NumVoxels())
	for i := range mask {
		// the first frame occupies the head of the flat data array
		mask[i] = vol.Data[i] > threshold
	}
	return mask
}
