package rupture

import (
	"fmt"
	"sort"

	"github.com/ethpandaops/shakeoor/pkg/config"
)

// Realization is one logic tree path with its weight.
type Realization struct {
	ID          uint16            `json:"id"`
	Weight      float64           `json:"weight"`
	SourceModel int               `json:"source_model"`
	GSIMByTRT   map[string]string `json:"gsim_by_trt"`
}

// LogicTree maps rupture groups to their tectonic region and realizations.
type LogicTree struct {
	TRTs            []string
	NumSourceModels int
	Realizations    []Realization
	defaultGSIM     string
}

// NewLogicTree builds the logic tree from configuration. defaultGSIM is
// used for tectonic regions without an explicit model.
func NewLogicTree(cfg config.LogicTreeConfig, defaultGSIM string) *LogicTree {
	lt := &LogicTree{
		TRTs:            cfg.TRTs,
		NumSourceModels: cfg.NumSourceModels,
		Realizations:    make([]Realization, len(cfg.Realizations)),
		defaultGSIM:     defaultGSIM,
	}

	if lt.NumSourceModels < 1 {
		lt.NumSourceModels = 1
	}

	for i, rc := range cfg.Realizations {
		gsims := make(map[string]string, len(rc.GSIMs))
		for _, g := range rc.GSIMs {
			gsims[g.TRT] = g.GSIM
		}

		lt.Realizations[i] = Realization{
			ID:          uint16(i),
			Weight:      rc.Weight,
			SourceModel: rc.SourceModel,
			GSIMByTRT:   gsims,
		}
	}

	return lt
}

// NumRealizations returns R.
func (lt *LogicTree) NumRealizations() int {
	return len(lt.Realizations)
}

// TRT returns the tectonic region type of a group key.
func (lt *LogicTree) TRT(trtsmr uint16) (string, error) {
	idx := int(trtsmr) / lt.NumSourceModels
	if idx >= len(lt.TRTs) {
		return "", fmt.Errorf("trt_smr %d: no tectonic region at index %d", trtsmr, idx)
	}

	return lt.TRTs[idx], nil
}

// SourceModel returns the source model index of a group key.
func (lt *LogicTree) SourceModel(trtsmr uint16) int {
	return int(trtsmr) % lt.NumSourceModels
}

// GSIM returns the ground shaking model a realization uses for a region.
func (lt *LogicTree) GSIM(rlz uint16, trt string) string {
	if g, ok := lt.Realizations[rlz].GSIMByTRT[trt]; ok && g != "" {
		return g
	}

	return lt.defaultGSIM
}

// Rlzs returns the ids of the realizations relevant to a group key, sorted.
func (lt *LogicTree) Rlzs(trtsmr uint16) []uint16 {
	sm := lt.SourceModel(trtsmr)
	out := make([]uint16, 0, len(lt.Realizations))

	for _, rlz := range lt.Realizations {
		if rlz.SourceModel == sm {
			out = append(out, rlz.ID)
		}
	}

	return out
}

// RlzsByGSIM groups the relevant realizations of a group key by the model
// they use for the group's tectonic region.
func (lt *LogicTree) RlzsByGSIM(trtsmr uint16) (map[string][]uint16, error) {
	trt, err := lt.TRT(trtsmr)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]uint16, 2)
	for _, rlz := range lt.Rlzs(trtsmr) {
		gsim := lt.GSIM(rlz, trt)
		out[gsim] = append(out[gsim], rlz)
	}

	for _, rlzs := range out {
		sort.Slice(rlzs, func(i, j int) bool { return rlzs[i] < rlzs[j] })
	}

	return out, nil
}

// Weights returns the realization weights indexed by realization id.
func (lt *LogicTree) Weights() []float64 {
	w := make([]float64, len(lt.Realizations))
	for i, rlz := range lt.Realizations {
		w[i] = rlz.Weight
	}

	return w
}

// NumPaths is the number of ground shaking paths per source model, used
// to scale scenario occurrence counts.
func (lt *LogicTree) NumPaths() int {
	if len(lt.Realizations) == 0 {
		return 1
	}

	return len(lt.Rlzs(0))
}
