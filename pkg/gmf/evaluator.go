package gmf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/ethpandaops/shakeoor/pkg/rupture"
	"github.com/ethpandaops/shakeoor/pkg/site"
	"github.com/mitchellh/mapstructure"
)

// ErrFarAwayRupture is returned by an evaluator when no site is close
// enough to the rupture to be affected.
var ErrFarAwayRupture = errors.New("far away rupture")

// Request is the input of one evaluator call: a rupture, the sites that
// survived the distance filter and the events of the rupture.
type Request struct {
	Rupture    rupture.Rupture
	TRT        string
	Sites      []site.Site
	Events     []rupture.Event
	RlzsByGSIM map[string][]uint16
	IMTs       []string
	MasterSeed uint64
}

// Evaluator computes ground-motion values for a rupture.
type Evaluator interface {
	// Name returns the evaluator name.
	Name() string
	// Compute returns one row per (site, event) with one value per IMT.
	Compute(ctx context.Context, req *Request) (*RowSet, error)
}

// NewEvaluator returns the evaluator registered under name, configured
// with params.
func NewEvaluator(name string, params map[string]interface{}) (Evaluator, error) {
	switch name {
	case SimpleName:
		return NewSimpleEvaluator(params)
	default:
		return nil, fmt.Errorf("unknown ground motion evaluator %q", name)
	}
}

// SimpleName is the name of the lognormal attenuation evaluator.
const SimpleName = "simple"

// Coefficients of the lognormal attenuation relation
//
//	ln(y) = C0 + C1*(M-6) - C2*ln(sqrt(R^2+H^2)) - C3*ln(vs30/760) + tau*eta + phi*eps
//
// with R the epicentral distance in km.
type Coefficients struct {
	C0  float64 `mapstructure:"c0"`
	C1  float64 `mapstructure:"c1"`
	C2  float64 `mapstructure:"c2"`
	C3  float64 `mapstructure:"c3"`
	H   float64 `mapstructure:"h"`
	Tau float64 `mapstructure:"tau"`
	Phi float64 `mapstructure:"phi"`
}

// SimpleParams configures the simple evaluator.
type SimpleParams struct {
	Coefficients `mapstructure:",squash"`

	// MaxDistance makes ruptures farther than this from every site far
	// away, zero disables the check.
	MaxDistance float64 `mapstructure:"max_distance"`
	// IMTScale multiplies the median per IMT name.
	IMTScale map[string]float64 `mapstructure:"imt_scale"`
	// GSIMs overrides the coefficients per ground shaking model name.
	GSIMs map[string]Coefficients `mapstructure:"gsims"`
}

// DefaultSimpleParams returns a PGA-like attenuation in units of g.
func DefaultSimpleParams() SimpleParams {
	return SimpleParams{
		Coefficients: Coefficients{
			C0: -1.5, C1: 0.9, C2: 1.1, C3: 0.4, H: 6, Tau: 0.35, Phi: 0.55,
		},
	}
}

type simpleEvaluator struct {
	params SimpleParams
}

var _ Evaluator = (*simpleEvaluator)(nil)

// NewSimpleEvaluator decodes params over the defaults.
func NewSimpleEvaluator(params map[string]interface{}) (Evaluator, error) {
	p := DefaultSimpleParams()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating params decoder: %w", err)
	}

	if err := decoder.Decode(params); err != nil {
		return nil, fmt.Errorf("decoding %s evaluator params: %w", SimpleName, err)
	}

	if p.Tau < 0 || p.Phi < 0 {
		return nil, fmt.Errorf("%s evaluator: tau and phi must be >= 0", SimpleName)
	}

	return &simpleEvaluator{params: p}, nil
}

func (e *simpleEvaluator) Name() string {
	return SimpleName
}

func (e *simpleEvaluator) coefficients(gsim string) Coefficients {
	if c, ok := e.params.GSIMs[gsim]; ok {
		return c
	}

	return e.params.Coefficients
}

// Compute draws one inter-event residual per event and IMT and one
// intra-event residual per site, from a generator seeded with the master
// seed, the rupture seed and the event id. Results do not depend on how
// ruptures are split into tasks.
func (e *simpleEvaluator) Compute(ctx context.Context, req *Request) (*RowSet, error) {
	if len(req.Sites) == 0 {
		return nil, ErrFarAwayRupture
	}

	rup := &req.Rupture

	dists := make([]float64, len(req.Sites))
	minDist := math.Inf(1)

	for i := range req.Sites {
		s := &req.Sites[i]
		dists[i] = site.Distance(rup.Lon, rup.Lat, s.Lon, s.Lat)
		minDist = math.Min(minDist, dists[i])
	}

	if e.params.MaxDistance > 0 && minDist > e.params.MaxDistance {
		return nil, ErrFarAwayRupture
	}

	gsimByRlz := make(map[uint16]string, 4)

	gsims := make([]string, 0, len(req.RlzsByGSIM))
	for gsim := range req.RlzsByGSIM {
		gsims = append(gsims, gsim)
	}

	sort.Strings(gsims)

	for _, gsim := range gsims {
		for _, rlz := range req.RlzsByGSIM[gsim] {
			gsimByRlz[rlz] = gsim
		}
	}

	numIMTs := len(req.IMTs)
	rows := NewRowSet(numIMTs)
	values := make([]float32, numIMTs)
	seed := req.MasterSeed ^ uint64(rup.Seed)<<32

	for _, ev := range req.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		gsim, ok := gsimByRlz[ev.RlzID]
		if !ok {
			continue
		}

		c := e.coefficients(gsim)
		rng := rand.New(rand.NewPCG(seed, ev.ID))

		eta := make([]float64, numIMTs)
		for m := range eta {
			eta[m] = rng.NormFloat64()
		}

		for i := range req.Sites {
			s := &req.Sites[i]
			lnMedian := c.C0 + c.C1*(rup.Mag-6) -
				c.C2*math.Log(math.Sqrt(dists[i]*dists[i]+c.H*c.H)) -
				c.C3*math.Log(s.Vs30/760)

			for m, imt := range req.IMTs {
				scale := 1.0
				if f, ok := e.params.IMTScale[imt]; ok {
					scale = f
				}

				lnY := lnMedian + c.Tau*eta[m] + c.Phi*rng.NormFloat64()
				values[m] = float32(scale * math.Exp(lnY))
			}

			rows.Append(s.ID, ev.ID, ev.RlzID, values)
		}
	}

	return rows, nil
}
