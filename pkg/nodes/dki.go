package nodes

import (
	"github.com/rs/zerolog"

	"dwifit/pkg/config"
	"dwifit/pkg/dki"
)

// dkiMetrics extends the tensor maps with the kurtosis maps.
var dkiMetrics = []string{"fa", "md", "rd", "ad", "mk", "ak", "rk"}

// DKI fits the diffusion kurtosis model and writes the tensor parameters
// image plus the FA, MD, RD, AD, MK, AK and RK maps.
type DKI struct {
	node
}

// NewDKI builds a DKI node. A nil cfg selects defaults.
func NewDKI(inputs InputSpec, cfg *config.Config, log zerolog.Logger) *DKI {
	return &DKI{node: newNode(inputs, cfg, log)}
}

// Run executes the node with the same sequencing as the DTI node, using
// the kurtosis model.
func (n *DKI) Run() error {
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

	model, err := dki.NewModel(gtab, &dki.Params{
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

	if err := n.saveTensor("dki", fit.LowerTriangular(), vol); err != nil {
		return err
	}
	for _, metric := range dkiMetrics {
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
		case "mk":
			data = fit.MK()
		case "ak":
			data = fit.AK()
		case "rk":
			data = fit.RK()
		}
		if err := n.saveScalar("dki", metric, data, vol); err != nil {
			return err
		}
	}
	return nil
}
