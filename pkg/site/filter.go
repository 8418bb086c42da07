package site

import (
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the mean Earth radius.
const EarthRadiusKm = 6371.0

// DefaultTRT is the key of the fallback entry of per-region settings.
const DefaultTRT = "default"

// Filter selects the sites close enough to a rupture to be affected.
type Filter interface {
	CloseSites(lon, lat float64, trt string) []uint32
}

// DistanceFilter selects sites within a per-region epicentral distance.
type DistanceFilter struct {
	sites       *Collection
	maxDistance map[string]float64
}

var _ Filter = (*DistanceFilter)(nil)

// NewDistanceFilter creates a filter. maxDistance maps tectonic region
// types to a cutoff in km; the "default" entry applies to the others. A
// region without any cutoff keeps every site.
func NewDistanceFilter(sites *Collection, maxDistance map[string]float64) *DistanceFilter {
	return &DistanceFilter{sites: sites, maxDistance: maxDistance}
}

// MaxDistance returns the cutoff in km for a region, zero for none.
func (f *DistanceFilter) MaxDistance(trt string) float64 {
	if d, ok := f.maxDistance[trt]; ok {
		return d
	}

	return f.maxDistance[DefaultTRT]
}

// CloseSites returns the ids of the sites within the cutoff of the given
// epicenter, in increasing order.
func (f *DistanceFilter) CloseSites(lon, lat float64, trt string) []uint32 {
	maxKm := f.MaxDistance(trt)
	out := make([]uint32, 0, f.sites.Len())

	if maxKm <= 0 {
		for i := 0; i < f.sites.Len(); i++ {
			out = append(out, uint32(i))
		}

		return out
	}

	center := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	reach := s2.CapFromCenterAngle(center, s1.Angle(maxKm/EarthRadiusKm))

	for i, p := range f.sites.points {
		if reach.ContainsPoint(p) {
			out = append(out, uint32(i))
		}
	}

	return out
}

// Distance returns the great-circle distance in km between two points.
func Distance(lon1, lat1, lon2, lat2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)

	return p1.Distance(p2).Radians() * EarthRadiusKm
}
