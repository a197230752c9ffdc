package nodes

import (
	"github.com/rs/zerolog"

	"dwifit/pkg/config"
	"dwifit/pkg/dti"
)

// dtiMetrics are the scalar maps a tensor fit produces, in output order.
var dtiMetrics = []string{"fa", "md", "rd", "ad"}

// DTI fits the diffusion tensor model and writes the tensor parameters
// image plus the FA, MD, RD and AD maps.
type DTI struct {
	node
}

// NewDTI builds a DTI node. A nil cfg selects defaults.
func NewDTI(inputs InputSpec, cfg *config.Config, log zerolog.Logger) *DTI {
	return &DTI{node: newNode(inputs, cfg, log)}
}

// Run executes the node: load image, build gradient table, apply the
// optional mask, fit the tensor and write every declared output.
func (n *DTI) Run() error {
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

	if err := n.saveTensor("dti", fit.LowerTriangular(), vol); err != nil {
		return err
	}
	for _, metric := range dtiMetrics {
		var data []float64
		switch metric {
		case "fa":
			data = fit.FA()
		case "md":
			data = fit.MD()
		case "rd":
			data = fit.RD()
		case "ad":
			data = fit.AD()
		}
		if err := n.saveScalar("dti", metric, data, vol); err != nil {
			return err
		}
	}
	return nil
}
