package site

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethpandaops/shakeoor/pkg/csvutil"
)

const valuePrefix = "value-"

// Asset is an exposed element located at a site.
type Asset struct {
	ID       uint32             `json:"id"`
	Ref      string             `json:"asset_id"`
	SiteID   uint32             `json:"site_id"`
	Taxonomy string             `json:"taxonomy"`
	Number   float64            `json:"number"`
	Values   map[string]float64 `json:"values"`
	Tags     map[string]string  `json:"tags"`
}

// Tag returns the value of a tag. taxonomy is always available as a tag.
func (a *Asset) Tag(name string) string {
	if name == "taxonomy" {
		return a.Taxonomy
	}

	return a.Tags[name]
}

// ReadAssetsCSV reads an exposure file. Required columns are asset_id,
// lon, lat and taxonomy; value-<loss_type> columns carry the exposed
// values and every other column is a tag. Each asset is attached to the
// nearest site, and rejected when that site is farther than maxKm.
func ReadAssetsCSV(path string, sites *Collection, maxKm float64) ([]Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening assets file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseAssetsCSV(f, path, sites, maxKm)
}

// ParseAssetsCSV is ReadAssetsCSV over a reader.
func ParseAssetsCSV(r io.Reader, name string, sites *Collection, maxKm float64) ([]Asset, error) {
	reader, err := csvutil.NewReader(r, name, "asset_id", "lon", "lat", "taxonomy")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	var (
		valueCols []string
		tagCols   []string
	)

	for _, h := range reader.Header() {
		col := strings.ToLower(strings.TrimSpace(h))

		switch {
		case strings.HasPrefix(col, valuePrefix):
			valueCols = append(valueCols, col)
		case col == "asset_id", col == "lon", col == "lat", col == "taxonomy", col == "number":
		default:
			tagCols = append(tagCols, col)
		}
	}

	hasNumber := reader.Has("number")
	assets := make([]Asset, 0, 64)
	refs := make(map[string]struct{}, 64)

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}

		a := Asset{
			ID:       uint32(len(assets)),
			Ref:      rec.String("asset_id"),
			Taxonomy: rec.String("taxonomy"),
			Number:   1,
			Values:   make(map[string]float64, len(valueCols)),
			Tags:     make(map[string]string, len(tagCols)),
		}

		lon, lat := rec.Float("lon"), rec.Float("lat")

		if hasNumber {
			a.Number = rec.Float("number")
		}

		for _, col := range valueCols {
			v := rec.Float(col)
			if v < 0 {
				rec.Fail("negative %s", col)
			}

			a.Values[strings.TrimPrefix(col, valuePrefix)] = v
		}

		for _, col := range tagCols {
			a.Tags[col] = rec.String(col)
		}

		if _, dup := refs[a.Ref]; dup {
			rec.Fail("duplicate asset_id %q", a.Ref)
		}

		if a.Taxonomy == "" {
			rec.Fail("empty taxonomy")
		}

		if rec.Err() == nil {
			sid, dist := sites.Nearest(lon, lat)
			if maxKm > 0 && dist > maxKm {
				rec.Fail("asset %s is %.1f km from the closest site", a.Ref, dist)
			}

			a.SiteID = sid
		}

		if err := rec.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s %v", ErrInvalidFile, name, err)
		}

		refs[a.Ref] = struct{}{}
		assets = append(assets, a)
	}

	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: %s: no assets", ErrInvalidFile, name)
	}

	return assets, nil
}

// AssetsBySite groups asset ids by site id.
func AssetsBySite(assets []Asset) map[uint32][]uint32 {
	out := make(map[uint32][]uint32, len(assets))
	for _, a := range assets {
		out[a.SiteID] = append(out[a.SiteID], a.ID)
	}

	return out
}
