// Package site holds the site collection and exposure assets, and the
// distance filter that selects the sites affected by a rupture.
package site

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethpandaops/shakeoor/pkg/csvutil"
	"github.com/golang/geo/s2"
)

// DefaultVs30 is used for sites without a vs30 column.
const DefaultVs30 = 760.0

// ErrInvalidFile is returned for malformed site or asset files.
var ErrInvalidFile = errors.New("invalid file")

// Site is a location where ground motion is computed.
type Site struct {
	ID   uint32  `json:"site_id"`
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
	Vs30 float64 `json:"vs30"`
}

// LatLng returns the site location.
func (s *Site) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(s.Lat, s.Lon)
}

// Collection is an immutable, id-indexed set of sites. Site ids are the
// positions in the collection.
type Collection struct {
	sites  []Site
	points []s2.Point
}

// NewCollection builds a collection, renumbering site ids by position.
func NewCollection(sites []Site) *Collection {
	c := &Collection{
		sites:  make([]Site, len(sites)),
		points: make([]s2.Point, len(sites)),
	}

	for i, s := range sites {
		s.ID = uint32(i)
		c.sites[i] = s
		c.points[i] = s2.PointFromLatLng(s.LatLng())
	}

	return c
}

// Len returns N, the number of sites.
func (c *Collection) Len() int {
	return len(c.sites)
}

// Get returns a site by id.
func (c *Collection) Get(id uint32) *Site {
	return &c.sites[id]
}

// Sites returns all sites.
func (c *Collection) Sites() []Site {
	return c.sites
}

// Filtered returns the sites with the given ids, in the given order.
func (c *Collection) Filtered(ids []uint32) []Site {
	out := make([]Site, len(ids))
	for i, id := range ids {
		out[i] = c.sites[id]
	}

	return out
}

// Nearest returns the id of the closest site and its distance in km.
func (c *Collection) Nearest(lon, lat float64) (uint32, float64) {
	p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))

	var (
		best     uint32
		bestDist = -1.0
	)

	for i, sp := range c.points {
		d := p.Distance(sp).Radians() * EarthRadiusKm
		if bestDist < 0 || d < bestDist {
			best, bestDist = uint32(i), d
		}
	}

	return best, bestDist
}

// ReadSitesCSV reads a site model with lon and lat columns and an
// optional vs30 column.
func ReadSitesCSV(path string) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sites file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseSitesCSV(f, path)
}

// ParseSitesCSV is ReadSitesCSV over a reader.
func ParseSitesCSV(r io.Reader, name string) (*Collection, error) {
	reader, err := csvutil.NewReader(r, name, "lon", "lat")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	hasVs30 := reader.Has("vs30")
	sites := make([]Site, 0, 64)

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}

		s := Site{
			Lon:  rec.Float("lon"),
			Lat:  rec.Float("lat"),
			Vs30: DefaultVs30,
		}

		if hasVs30 {
			s.Vs30 = rec.Float("vs30")
			if s.Vs30 <= 0 {
				rec.Fail("vs30 must be positive, got %v", s.Vs30)
			}
		}

		if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
			rec.Fail("invalid location (%v, %v)", s.Lon, s.Lat)
		}

		if err := rec.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s %v", ErrInvalidFile, name, err)
		}

		sites = append(sites, s)
	}

	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: %s: no sites", ErrInvalidFile, name)
	}

	return NewCollection(sites), nil
}
