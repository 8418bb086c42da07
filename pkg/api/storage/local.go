package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethpandaops/shakeoor/pkg/datastore"
)

// Compile-time interface check.
var _ Reader = (*localReader)(nil)

type localReader struct {
	root string
}

// NewLocalReader creates a Reader over the calculation directories found
// directly under root.
func NewLocalReader(root string) Reader {
	return &localReader{root: filepath.Clean(root)}
}

func (r *localReader) Name() string {
	return "local"
}

func (r *localReader) Location(calcID string) string {
	return filepath.Join(r.root, calcID)
}

// ListCalculationIDs returns the sub-directories of root that hold a
// manifest.
func (r *localReader) ListCalculationIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading results directory: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		_, err := os.Stat(filepath.Join(r.root, e.Name(), datastore.ManifestFile))
		if err != nil {
			continue
		}

		ids = append(ids, e.Name())
	}

	sort.Strings(ids)

	return ids, nil
}

// GetFile reads {root}/{calcID}/{name}.
// Returns (nil, nil) when the file does not exist.
func (r *localReader) GetFile(_ context.Context, calcID, name string) ([]byte, error) {
	if calcID != filepath.Base(calcID) || name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid path %s/%s", calcID, name)
	}

	p := filepath.Join(r.root, calcID, name)

	data, err := os.ReadFile(p) //nolint:gosec // calcID and name are base names
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

func (r *localReader) Locked(_ context.Context, calcID string) (bool, error) {
	if calcID != filepath.Base(calcID) {
		return false, fmt.Errorf("invalid calculation id %q", calcID)
	}

	return datastore.IsLocked(filepath.Join(r.root, calcID)), nil
}
