package rupture

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Event is one occurrence of a rupture under one realization.
type Event struct {
	ID    uint64 `json:"id"`
	RupID uint32 `json:"rup_id"`
	RlzID uint16 `json:"rlz_id"`
	Year  uint32 `json:"year"`
	SesID uint32 `json:"ses_id"`
}

// EventOptions controls event generation.
type EventOptions struct {
	MasterSeed        uint64
	InvestigationTime float64
	SES               int
}

// BuildEvents expands every rupture into NumOccurrences events. Ruptures
// are processed by id and event ids are consecutive from zero, so events
// of a rupture are contiguous. Stochastic ruptures draw their realization
// uniformly among the relevant ones from a generator seeded with the
// master seed and the rupture seed; scenario ruptures spread their events
// evenly over the realizations.
func BuildEvents(rups []Rupture, lt *LogicTree, opts EventOptions) ([]Event, error) {
	if len(rups) == 0 {
		return nil, ErrNoRuptures
	}

	sorted := make([]Rupture, len(rups))
	copy(sorted, rups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var total uint64
	for _, rup := range sorted {
		total += uint64(rup.NumOccurrences)
	}

	events := make([]Event, 0, total)
	years := uint32(max(1, int(opts.InvestigationTime)))
	ses := uint32(max(1, opts.SES))

	for _, rup := range sorted {
		rlzs := lt.Rlzs(rup.TRTSMR)
		if len(rlzs) == 0 {
			return nil, fmt.Errorf("rupture %d: no realizations for trt_smr %d", rup.ID, rup.TRTSMR)
		}

		n := int(rup.NumOccurrences)
		rng := rand.New(rand.NewPCG(opts.MasterSeed, uint64(rup.Seed)))

		for j := 0; j < n; j++ {
			ev := Event{
				ID:    uint64(len(events)),
				RupID: rup.ID,
				Year:  1,
				SesID: 1,
			}

			if rup.Scenario {
				ev.RlzID = rlzs[j*len(rlzs)/n]
			} else {
				ev.RlzID = rlzs[rng.IntN(len(rlzs))]
				ev.Year = 1 + rng.Uint32N(years)
				ev.SesID = 1 + rng.Uint32N(ses)
			}

			events = append(events, ev)
		}
	}

	return events, nil
}

// Catalog indexes events by rupture.
type Catalog struct {
	Ruptures []Rupture
	Events   []Event
	offsets  map[uint32][2]int
}

// NewCatalog indexes events built by BuildEvents.
func NewCatalog(rups []Rupture, events []Event) *Catalog {
	c := &Catalog{
		Ruptures: rups,
		Events:   events,
		offsets:  make(map[uint32][2]int, len(rups)),
	}

	start := 0
	for i := 1; i <= len(events); i++ {
		if i == len(events) || events[i].RupID != events[start].RupID {
			c.offsets[events[start].RupID] = [2]int{start, i}
			start = i
		}
	}

	return c
}

// EventsOf returns the events of a rupture.
func (c *Catalog) EventsOf(rupID uint32) []Event {
	off, ok := c.offsets[rupID]
	if !ok {
		return nil
	}

	return c.Events[off[0]:off[1]]
}

// NumEvents returns E.
func (c *Catalog) NumEvents() int {
	return len(c.Events)
}

// EventsByRlz counts the events of each realization.
func (c *Catalog) EventsByRlz(numRlzs int) []uint64 {
	counts := make([]uint64, numRlzs)
	for _, ev := range c.Events {
		counts[ev.RlzID]++
	}

	return counts
}

// EventWeights returns the weight of every event, that is the weight of
// its realization.
func (c *Catalog) EventWeights(rlzWeights []float64) []float64 {
	out := make([]float64, len(c.Events))
	for i, ev := range c.Events {
		out[i] = rlzWeights[ev.RlzID]
	}

	return out
}
