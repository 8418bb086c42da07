// Package storage gives the indexer read access to calculation
// directories, wherever they live.
package storage

import "context"

// Reader provides read access to calculation directories stored in a
// backend (the local results directory or S3). It is used by the indexer
// to discover calculations without knowing the storage details.
type Reader interface {
	// Name identifies the backend in logs.
	Name() string

	// ListCalculationIDs returns the calc ids found in the backend.
	ListCalculationIDs(ctx context.Context) ([]string, error)

	// GetFile reads a file from a calculation directory.
	// Returns (nil, nil) when the file does not exist.
	GetFile(ctx context.Context, calcID, name string) ([]byte, error)

	// Locked reports whether a writer still holds the calculation.
	Locked(ctx context.Context, calcID string) (bool, error)

	// Location returns where the calculation lives, for display.
	Location(calcID string) string
}
