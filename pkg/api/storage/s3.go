package storage

import (
	"context"

	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/upload"
)

// Compile-time interface check.
var _ Reader = (*s3Reader)(nil)

type s3Reader struct {
	reader upload.Reader
	cfg    *config.S3UploadConfig
}

// NewS3Reader creates a Reader over uploaded calculations. Only finished
// calculations are uploaded, so none of them is ever locked.
func NewS3Reader(reader upload.Reader, cfg *config.S3UploadConfig) Reader {
	return &s3Reader{
		reader: reader,
		cfg:    cfg,
	}
}

func (r *s3Reader) Name() string {
	return "s3"
}

func (r *s3Reader) Location(calcID string) string {
	return upload.Location(r.cfg, calcID)
}

func (r *s3Reader) ListCalculationIDs(ctx context.Context) ([]string, error) {
	return r.reader.ListCalculations(ctx)
}

func (r *s3Reader) GetFile(ctx context.Context, calcID, name string) ([]byte, error) {
	return r.reader.GetFile(ctx, calcID, name)
}

func (r *s3Reader) Locked(_ context.Context, _ string) (bool, error) {
	return false, nil
}
