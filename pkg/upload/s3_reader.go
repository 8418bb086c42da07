package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/sirupsen/logrus"
)

type s3Reader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

var _ Reader = (*s3Reader)(nil)

// NewS3Reader creates a reader over uploaded calculations.
func NewS3Reader(log logrus.FieldLogger, cfg *config.S3UploadConfig) Reader {
	return &s3Reader{
		log:    log.WithField("component", "s3-reader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

// ListCalculations lists the immediate sub-prefixes of <prefix>/calcs/.
func (r *s3Reader) ListCalculations(ctx context.Context) ([]string, error) {
	root := calcsPrefix(r.cfg.Prefix)

	var ids []string

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.cfg.Bucket),
		Prefix:    aws.String(root),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing calculations under %q: %w", root, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}

			if id := calcIDFromPrefix(root, *cp.Prefix); id != "" {
				ids = append(ids, id)
			}
		}
	}

	return ids, nil
}

func calcIDFromPrefix(root, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(prefix, root), "/")
}

// GetFile returns the contents of one file of a calculation.
func (r *s3Reader) GetFile(ctx context.Context, calcID, name string) ([]byte, error) {
	key := calcPrefix(r.cfg.Prefix, calcID) + "/" + name

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// isS3NotFound reports whether err means the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible servers return an untyped error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
