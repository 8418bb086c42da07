package risk

import (
	"fmt"
	"math"

	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/site"
)

// Loss type ids are fixed across calculations.
var lossTypeIDs = map[string]uint8{
	"structural":            0,
	"nonstructural":         1,
	"contents":              2,
	"business_interruption": 3,
	"occupants":             4,
}

// LossTypeID returns the fixed id of a loss type.
func LossTypeID(name string) (uint8, error) {
	id, ok := lossTypeIDs[name]
	if !ok {
		return 0, fmt.Errorf("unknown loss type %q", name)
	}

	return id, nil
}

// LossModel computes the loss of an asset given the intensities at its
// site.
type LossModel interface {
	// LossTypes returns the loss types in output order.
	LossTypes() []string
	// AssetLoss returns the mean loss and its variance for one loss type,
	// given one intensity per IMT.
	AssetLoss(asset *site.Asset, lossIdx int, gmvs []float32) (loss, variance float64, err error)
}

// VulnerabilityFunction is a discrete curve of mean loss ratios and their
// coefficients of variation over intensity levels of one IMT.
type VulnerabilityFunction struct {
	IMT     int
	IMLs    []float64
	MeanLRs []float64
	CoVs    []float64
}

// Eval interpolates the mean loss ratio and coefficient of variation.
// Intensities below the first level give no loss; above the last level
// the last values apply.
func (f *VulnerabilityFunction) Eval(iml float64) (float64, float64) {
	n := len(f.IMLs)
	if n == 0 || iml < f.IMLs[0] {
		return 0, 0
	}

	cov := func(i int) float64 {
		if len(f.CoVs) == 0 {
			return 0
		}

		return f.CoVs[i]
	}

	if iml >= f.IMLs[n-1] {
		return f.MeanLRs[n-1], cov(n - 1)
	}

	for i := 1; i < n; i++ {
		if iml < f.IMLs[i] {
			w := (iml - f.IMLs[i-1]) / (f.IMLs[i] - f.IMLs[i-1])

			return f.MeanLRs[i-1] + w*(f.MeanLRs[i]-f.MeanLRs[i-1]),
				cov(i-1) + w*(cov(i)-cov(i-1))
		}
	}

	return f.MeanLRs[n-1], cov(n - 1)
}

// VulnerabilityModel is a LossModel with one vulnerability function per
// taxonomy and loss type: loss = value*mlr and variance = (value*cov*mlr)^2.
type VulnerabilityModel struct {
	lossTypes []string
	funcs     map[string][]*VulnerabilityFunction // taxonomy -> by loss index
}

var _ LossModel = (*VulnerabilityModel)(nil)

// NewVulnerabilityModel builds the model from configuration. imts are the
// IMT names of the calculation, in column order.
func NewVulnerabilityModel(cfg *config.RiskConfig, imts []string) (*VulnerabilityModel, error) {
	m := &VulnerabilityModel{
		lossTypes: cfg.LossTypes,
		funcs:     make(map[string][]*VulnerabilityFunction, len(cfg.Vulnerability)),
	}

	lossIdx := make(map[string]int, len(cfg.LossTypes))

	for i, lt := range cfg.LossTypes {
		if _, err := LossTypeID(lt); err != nil {
			return nil, err
		}

		lossIdx[lt] = i
	}

	imtIdx := make(map[string]int, len(imts))
	for i, imt := range imts {
		imtIdx[imt] = i
	}

	for i, vc := range cfg.Vulnerability {
		li, ok := lossIdx[vc.LossType]
		if !ok {
			return nil, fmt.Errorf("vulnerability[%d]: loss type %q not in loss_types", i, vc.LossType)
		}

		m2, ok := imtIdx[vc.IMT]
		if !ok {
			return nil, fmt.Errorf("vulnerability[%d]: imt %q not computed", i, vc.IMT)
		}

		for j := 1; j < len(vc.IMLs); j++ {
			if vc.IMLs[j] <= vc.IMLs[j-1] {
				return nil, fmt.Errorf("vulnerability[%d]: imls must be strictly increasing", i)
			}
		}

		for _, lr := range vc.MeanLRs {
			if lr < 0 || lr > 1 || math.IsNaN(lr) {
				return nil, fmt.Errorf("vulnerability[%d]: mean loss ratio %v not in [0, 1]", i, lr)
			}
		}

		fns, ok := m.funcs[vc.Taxonomy]
		if !ok {
			fns = make([]*VulnerabilityFunction, len(cfg.LossTypes))
			m.funcs[vc.Taxonomy] = fns
		}

		if fns[li] != nil {
			return nil, fmt.Errorf("vulnerability[%d]: duplicate function for %s/%s", i, vc.Taxonomy, vc.LossType)
		}

		fns[li] = &VulnerabilityFunction{IMT: m2, IMLs: vc.IMLs, MeanLRs: vc.MeanLRs, CoVs: vc.CoVs}
	}

	return m, nil
}

// LossTypes returns the configured loss types.
func (m *VulnerabilityModel) LossTypes() []string {
	return m.lossTypes
}

// Check verifies that every asset taxonomy has a function for every loss
// type.
func (m *VulnerabilityModel) Check(assets []site.Asset) error {
	for i := range assets {
		fns, ok := m.funcs[assets[i].Taxonomy]
		if !ok {
			return fmt.Errorf("no vulnerability functions for taxonomy %q", assets[i].Taxonomy)
		}

		for li, fn := range fns {
			if fn == nil {
				return fmt.Errorf("taxonomy %q has no %s vulnerability function", assets[i].Taxonomy, m.lossTypes[li])
			}
		}
	}

	return nil
}

// AssetLoss implements LossModel.
func (m *VulnerabilityModel) AssetLoss(asset *site.Asset, lossIdx int, gmvs []float32) (float64, float64, error) {
	fns, ok := m.funcs[asset.Taxonomy]
	if !ok || lossIdx >= len(fns) || fns[lossIdx] == nil {
		return 0, 0, fmt.Errorf("no vulnerability function for %s/%d", asset.Taxonomy, lossIdx)
	}

	fn := fns[lossIdx]
	if fn.IMT >= len(gmvs) {
		return 0, 0, fmt.Errorf("imt index %d out of range", fn.IMT)
	}

	mlr, cov := fn.Eval(float64(gmvs[fn.IMT]))
	value := asset.Values[m.lossTypes[lossIdx]]
	loss := value * mlr
	sd := value * cov * mlr

	return loss, sd * sd, nil
}
