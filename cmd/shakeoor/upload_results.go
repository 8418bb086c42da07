package main

import (
	"fmt"
	"path/filepath"

	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/upload"
	"github.com/spf13/cobra"
)

var (
	uploadMethod    string
	uploadResultDir string
)

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results",
	Short: "Upload a calculation directory to remote storage",
	Long:  `Upload a finished calculation directory to S3-compatible storage using the config file settings.`,
	RunE:  runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
	uploadResultsCmd.Flags().StringVar(&uploadMethod, "method", "s3",
		"Upload method (currently only \"s3\")")
	uploadResultsCmd.Flags().StringVar(&uploadResultDir, "result-dir", "",
		"Path to the calculation directory to upload")

	_ = uploadResultsCmd.MarkFlagRequired("result-dir")
}

func runUploadResults(cmd *cobra.Command, args []string) error {
	if uploadMethod != "s3" {
		return fmt.Errorf("unsupported method %q (only \"s3\" is supported)", uploadMethod)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s3cfg := s3Config(cfg)
	if s3cfg == nil {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	dir := filepath.Clean(uploadResultDir)

	// Half-written calculations are not uploaded.
	if datastore.IsLocked(dir) {
		return fmt.Errorf("%s: %w", dir, datastore.ErrLocked)
	}

	ds, err := datastore.Open(log, dir)
	if err != nil {
		return fmt.Errorf("opening calculation directory: %w", err)
	}

	_ = ds.Close()

	uploader, err := upload.NewS3Uploader(log, s3cfg)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	ctx := cmd.Context()

	log.WithField("dir", dir).Info("Uploading results")

	n, err := uploader.Upload(ctx, dir)
	if err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}

	log.WithField("files", n).Info("Upload completed successfully")

	return nil
}
