// Package rupture holds the stochastic rupture catalog: rupture records,
// the events they generate and the realizations those events belong to.
package rupture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ethpandaops/shakeoor/pkg/csvutil"
)

var (
	// ErrInvalidFile is returned for malformed input files.
	ErrInvalidFile = errors.New("invalid file")

	// ErrNoRuptures is returned when a calculation has an empty catalog.
	ErrNoRuptures = errors.New(
		"no ruptures were generated, perhaps the investigation time is too short",
	)
)

// Rupture is an immutable stochastic rupture descriptor.
type Rupture struct {
	ID             uint32  `json:"id"`
	TRTSMR         uint16  `json:"trt_smr"`
	SourceID       string  `json:"source_id"`
	Rate           float64 `json:"rate"`
	NumOccurrences uint32  `json:"n_occ"`
	Seed           uint32  `json:"seed"`
	Mag            float64 `json:"mag"`
	Rake           float64 `json:"rake"`
	Lon            float64 `json:"lon"`
	Lat            float64 `json:"lat"`
	Depth          float64 `json:"depth"`
	GeomID         uint32  `json:"geom_id"`
	Scenario       bool    `json:"scenario"`
}

// Weight is the expected compute cost of the rupture.
func (r Rupture) Weight() float64 {
	return float64(r.NumOccurrences)
}

// Group returns the tectonic-region/source-model key of the rupture.
func (r Rupture) Group() uint16 {
	return r.TRTSMR
}

// ReadRupturesCSV reads a rupture catalog. The header must contain
// rup_id, source_id, trt_smr, rate, n_occ, seed, mag, rake, lon, lat and
// depth; geom_id is optional. Ruptures are returned sorted by id.
func ReadRupturesCSV(path string, scenario bool) ([]Rupture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ruptures file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseRupturesCSV(f, path, scenario)
}

// ParseRupturesCSV is ReadRupturesCSV over a reader. The name is only used
// in error messages.
func ParseRupturesCSV(r io.Reader, name string, scenario bool) ([]Rupture, error) {
	reader, err := csvutil.NewReader(r, name,
		"rup_id", "source_id", "trt_smr", "rate", "n_occ", "seed",
		"mag", "rake", "lon", "lat", "depth",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	hasGeom := reader.Has("geom_id")

	var (
		rups = make([]Rupture, 0, 64)
		seen = make(map[uint32]struct{}, 64)
	)

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}

		rup := Rupture{
			ID:             uint32(rec.Uint("rup_id", 32)),
			SourceID:       rec.String("source_id"),
			TRTSMR:         uint16(rec.Uint("trt_smr", 16)),
			Rate:           rec.Float("rate"),
			NumOccurrences: uint32(rec.Uint("n_occ", 32)),
			Seed:           uint32(rec.Uint("seed", 32)),
			Mag:            rec.Float("mag"),
			Rake:           rec.Float("rake"),
			Lon:            rec.Float("lon"),
			Lat:            rec.Float("lat"),
			Depth:          rec.Float("depth"),
			Scenario:       scenario,
		}

		rup.GeomID = rup.ID
		if hasGeom {
			rup.GeomID = uint32(rec.Uint("geom_id", 32))
		}

		if rup.Lat < -90 || rup.Lat > 90 || rup.Lon < -180 || rup.Lon > 180 {
			rec.Fail("invalid hypocenter (%v, %v)", rup.Lon, rup.Lat)
		}

		if _, dup := seen[rup.ID]; dup {
			rec.Fail("duplicate rup_id %d", rup.ID)
		}

		if err := rec.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s %v", ErrInvalidFile, name, err)
		}

		seen[rup.ID] = struct{}{}
		rups = append(rups, rup)
	}

	sort.Slice(rups, func(i, j int) bool { return rups[i].ID < rups[j].ID })

	return rups, nil
}

// ScaleOccurrences multiplies the occurrence count of every rupture, as a
// scenario does with number_of_ground_motion_fields times the number of
// logic tree paths.
func ScaleOccurrences(rups []Rupture, factor uint32) {
	for i := range rups {
		rups[i].NumOccurrences *= factor
	}
}
