// Package gmf holds ground-motion field rows and the evaluator interface
// that produces them.
package gmf

import "fmt"

// RowSet is a columnar set of GMF rows: one site, event and realization
// id per row plus one intensity column per IMT.
type RowSet struct {
	SiteID  []uint32
	EventID []uint64
	RlzID   []uint16
	GMV     [][]float32
}

// NewRowSet returns an empty row set with m intensity columns.
func NewRowSet(m int) *RowSet {
	return &RowSet{GMV: make([][]float32, m)}
}

// NumIMTs returns the number of intensity columns.
func (rs *RowSet) NumIMTs() int {
	return len(rs.GMV)
}

// Len returns the number of rows.
func (rs *RowSet) Len() int {
	if rs == nil {
		return 0
	}

	return len(rs.SiteID)
}

// Append adds one row. values must have one entry per IMT.
func (rs *RowSet) Append(sid uint32, eid uint64, rlz uint16, values []float32) {
	rs.SiteID = append(rs.SiteID, sid)
	rs.EventID = append(rs.EventID, eid)
	rs.RlzID = append(rs.RlzID, rlz)

	for m := range rs.GMV {
		rs.GMV[m] = append(rs.GMV[m], values[m])
	}
}

// AppendSet adds all rows of other.
func (rs *RowSet) AppendSet(other *RowSet) error {
	if other.Len() == 0 {
		return nil
	}

	if other.NumIMTs() != rs.NumIMTs() {
		return fmt.Errorf("appending rows with %d imts to a set with %d", other.NumIMTs(), rs.NumIMTs())
	}

	rs.SiteID = append(rs.SiteID, other.SiteID...)
	rs.EventID = append(rs.EventID, other.EventID...)
	rs.RlzID = append(rs.RlzID, other.RlzID...)

	for m := range rs.GMV {
		rs.GMV[m] = append(rs.GMV[m], other.GMV[m]...)
	}

	return nil
}

// Values returns the intensities of row i.
func (rs *RowSet) Values(i int) []float32 {
	out := make([]float32, len(rs.GMV))
	for m := range rs.GMV {
		out[m] = rs.GMV[m][i]
	}

	return out
}

// ApplyMinIML zeroes every intensity below the minimum of its IMT.
func (rs *RowSet) ApplyMinIML(minIML []float64) {
	for m, col := range rs.GMV {
		if m >= len(minIML) || minIML[m] <= 0 {
			continue
		}

		limit := float32(minIML[m])
		for i, v := range col {
			if v < limit {
				col[i] = 0
			}
		}
	}
}

// StripZeros returns the rows whose intensities sum to a positive value,
// that is the rows with at least one non-zero intensity.
func (rs *RowSet) StripZeros() *RowSet {
	out := NewRowSet(rs.NumIMTs())

	for i := 0; i < rs.Len(); i++ {
		var sum float64
		for m := range rs.GMV {
			sum += float64(rs.GMV[m][i])
		}

		// NaN sums are dropped too.
		if !(sum > 0) {
			continue
		}

		out.SiteID = append(out.SiteID, rs.SiteID[i])
		out.EventID = append(out.EventID, rs.EventID[i])
		out.RlzID = append(out.RlzID, rs.RlzID[i])

		for m := range rs.GMV {
			out.GMV[m] = append(out.GMV[m], rs.GMV[m][i])
		}
	}

	return out
}

// Bytes returns the in-memory size of the row data.
func (rs *RowSet) Bytes() int64 {
	n := int64(rs.Len())

	return n*(4+8+2) + n*4*int64(rs.NumIMTs())
}

// SiteRlz identifies the rows of one site under one realization.
type SiteRlz struct {
	Site uint32
	Rlz  uint16
}

// GroupBySiteRlz returns row indices grouped by (site, realization),
// together with the group keys in first-appearance order.
func (rs *RowSet) GroupBySiteRlz() ([]SiteRlz, map[SiteRlz][]int) {
	var (
		order  []SiteRlz
		groups = make(map[SiteRlz][]int)
	)

	for i := 0; i < rs.Len(); i++ {
		key := SiteRlz{Site: rs.SiteID[i], Rlz: rs.RlzID[i]}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}

		groups[key] = append(groups[key], i)
	}

	return order, groups
}
