package gmf

import (
	"context"
	"math"
	"testing"

	"github.com/ethpandaops/shakeoor/pkg/rupture"
	"github.com/ethpandaops/shakeoor/pkg/site"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() *RowSet {
	rs := NewRowSet(2)
	rs.Append(0, 10, 0, []float32{0, 0})
	rs.Append(1, 10, 0, []float32{0.2, 0})
	rs.Append(0, 11, 1, []float32{0, 0.05})
	rs.Append(2, 11, 1, []float32{0, 0})

	return rs
}

func TestRowSet_StripZeros(t *testing.T) {
	rs := sampleRows()
	stripped := rs.StripZeros()

	require.Equal(t, 2, stripped.Len())
	assert.Equal(t, []uint32{1, 0}, stripped.SiteID)
	assert.Equal(t, []uint64{10, 11}, stripped.EventID)
	assert.Equal(t, []uint16{0, 1}, stripped.RlzID)
	assert.Equal(t, []float32{0.2, 0}, stripped.GMV[0])
	assert.Equal(t, []float32{0, 0.05}, stripped.GMV[1])

	// Stripping is idempotent.
	assert.Equal(t, stripped, stripped.StripZeros())

	// The input is not modified.
	assert.Equal(t, 4, rs.Len())
}

func TestRowSet_StripZerosEmpty(t *testing.T) {
	rs := NewRowSet(3)
	assert.Equal(t, 0, rs.StripZeros().Len())
}

func TestRowSet_StripZerosNaN(t *testing.T) {
	nan := float32(math.NaN())

	tests := []struct {
		name   string
		values []float32
		keep   bool
	}{
		{name: "all nan", values: []float32{nan, nan}, keep: false},
		{name: "nan and positive", values: []float32{nan, 0.3}, keep: false},
		{name: "negative sum", values: []float32{-0.2, 0.1}, keep: false},
		{name: "positive", values: []float32{0, 0.3}, keep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NewRowSet(2)
			rs.Append(4, 9, 0, tt.values)

			stripped := rs.StripZeros()
			if tt.keep {
				assert.Equal(t, 1, stripped.Len())
			} else {
				assert.Equal(t, 0, stripped.Len())
			}
		})
	}
}

func TestRowSet_ApplyMinIML(t *testing.T) {
	rs := sampleRows()
	rs.ApplyMinIML([]float64{0.25, 0})

	stripped := rs.StripZeros()
	require.Equal(t, 1, stripped.Len())
	assert.Equal(t, uint64(11), stripped.EventID[0])
}

func TestRowSet_AppendSet(t *testing.T) {
	rs := sampleRows()
	require.NoError(t, rs.AppendSet(sampleRows()))
	assert.Equal(t, 8, rs.Len())
	assert.Equal(t, []float32{0.2, 0}, rs.Values(5))

	require.Error(t, rs.AppendSet(func() *RowSet {
		other := NewRowSet(1)
		other.Append(0, 0, 0, []float32{1})

		return other
	}()))

	assert.Equal(t, int64(8*(14+8)), rs.Bytes())
}

func TestRowSet_GroupBySiteRlz(t *testing.T) {
	rs := sampleRows()
	require.NoError(t, rs.AppendSet(sampleRows()))

	order, groups := rs.GroupBySiteRlz()
	require.Len(t, order, 4)
	assert.Equal(t, SiteRlz{Site: 0, Rlz: 0}, order[0])
	assert.Equal(t, []int{0, 4}, groups[SiteRlz{Site: 0, Rlz: 0}])
}

func testRequest() *Request {
	sites := site.NewCollection([]site.Site{
		{Lon: 10.0, Lat: 45.0, Vs30: 760},
		{Lon: 10.2, Lat: 45.0, Vs30: 400},
	})

	return &Request{
		Rupture: rupture.Rupture{ID: 3, Seed: 99, Mag: 6.5, Lon: 10.1, Lat: 45.0},
		TRT:     "Active Shallow Crust",
		Sites:   sites.Sites(),
		Events: []rupture.Event{
			{ID: 5, RupID: 3, RlzID: 0},
			{ID: 6, RupID: 3, RlzID: 1},
			{ID: 7, RupID: 3, RlzID: 2},
		},
		RlzsByGSIM: map[string][]uint16{"a": {0}, "b": {1}},
		IMTs:       []string{"PGA", "SA(1.0)"},
		MasterSeed: 42,
	}
}

func TestSimpleEvaluator_Compute(t *testing.T) {
	ev, err := NewEvaluator(SimpleName, map[string]interface{}{
		"imt_scale": map[string]interface{}{"SA(1.0)": "0.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, SimpleName, ev.Name())

	req := testRequest()

	rows, err := ev.Compute(context.Background(), req)
	require.NoError(t, err)

	// Event 7 belongs to a realization outside the request.
	require.Equal(t, 4, rows.Len())
	assert.Equal(t, []uint64{5, 5, 6, 6}, rows.EventID)
	assert.Equal(t, []uint32{0, 1, 0, 1}, rows.SiteID)
	assert.Equal(t, []uint16{0, 0, 1, 1}, rows.RlzID)

	for m := range rows.GMV {
		for _, v := range rows.GMV[m] {
			assert.Greater(t, v, float32(0))
		}
	}

	again, err := ev.Compute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, rows, again, "values must be reproducible")
}

func TestSimpleEvaluator_FarAway(t *testing.T) {
	ev, err := NewSimpleEvaluator(map[string]interface{}{"max_distance": 5})
	require.NoError(t, err)

	req := testRequest()
	req.Rupture.Lon = 20

	_, err = ev.Compute(context.Background(), req)
	require.ErrorIs(t, err, ErrFarAwayRupture)

	req.Sites = nil
	_, err = ev.Compute(context.Background(), req)
	require.ErrorIs(t, err, ErrFarAwayRupture)
}

func TestSimpleEvaluator_Cancelled(t *testing.T) {
	ev, err := NewSimpleEvaluator(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ev.Compute(ctx, testRequest())
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewEvaluator_Errors(t *testing.T) {
	_, err := NewEvaluator("boore2014", nil)
	require.Error(t, err)

	_, err = NewSimpleEvaluator(map[string]interface{}{"unknown_knob": 1})
	require.Error(t, err)

	_, err = NewSimpleEvaluator(map[string]interface{}{"tau": -1})
	require.Error(t, err)

	ev, err := NewSimpleEvaluator(map[string]interface{}{
		"gsims": map[string]interface{}{
			"b": map[string]interface{}{"c0": 1, "c2": 1, "h": 5},
		},
	})
	require.NoError(t, err)

	simple := ev.(*simpleEvaluator)
	assert.InDelta(t, 1.0, simple.coefficients("b").C0, 1e-12)
	assert.InDelta(t, -1.5, simple.coefficients("a").C0, 1e-12)
}
