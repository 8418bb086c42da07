// Package upload copies calculation directories to object storage and
// reads them back.
package upload

import "context"

// Uploader uploads a local calculation directory to remote storage.
type Uploader interface {
	// Preflight writes a small test object to fail fast on
	// misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads every file of calcDir under the configured prefix,
	// using the directory basename (the calc id) as a sub-prefix. It
	// returns the number of files uploaded.
	Upload(ctx context.Context, calcDir string) (int, error)
}

// Reader reads uploaded calculations.
type Reader interface {
	// ListCalculations returns the calc ids found under the prefix.
	ListCalculations(ctx context.Context) ([]string, error)

	// GetFile returns one file of a calculation, or (nil, nil) when it
	// does not exist.
	GetFile(ctx context.Context, calcID, name string) ([]byte, error)
}
