// Command convert packs the COCO captioning dataset with Karpathy splits into
// one Parquet file per split.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/vilt-go/vilt/pkg/karpathy"
	"github.com/vilt-go/vilt/pkg/logging"
	"github.com/vilt-go/vilt/pkg/storage"
)

func main() {
	flag.Parse()

	var logOpts []logging.Option
	if *flagLogFile != "" {
		logOpts = append(logOpts, logging.WithLogFile(*flagLogFile, 100))
	}
	logger, closeLog := logging.New(logOpts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)

	var exitCode int
	if err := run(ctx, logger); err != nil {
		logger.Error("encountered top-level error", slog.String("error", err.Error()))
		exitCode = 1
	}

	cancel()
	closeLog.Close()
	os.Exit(exitCode)
}

func run(ctx context.Context, logger *slog.Logger) error {
	var missingRequiredFlags []string
	if *flagRoot == "" && (*flagAnnotations == "" || *flagTrainDir == "" || *flagValDir == "") {
		missingRequiredFlags = append(missingRequiredFlags, "root")
	}
	if *flagOutput == "" {
		missingRequiredFlags = append(missingRequiredFlags, "output")
	}
	if len(missingRequiredFlags) > 0 {
		flag.Usage()
		return fmt.Errorf(
			"%w: missing required flags %v",
			karpathy.ErrConfig,
			missingRequiredFlags,
		)
	}

	opts := karpathy.Options{
		Root:               *flagRoot,
		OutputDir:          *flagOutput,
		Dataset:            *flagDataset,
		AnnotationsPath:    *flagAnnotations,
		TrainDir:           *flagTrainDir,
		ValDir:             *flagValDir,
		Ext:                *flagExt,
		PartTest2Train:     *flagPartTest2Train,
		RelabelProbability: *flagRelabelProbability,
		Seed:               *flagSeed,
		Concurrency:        *flagConcurrency,
		ShowProgress:       true,
	}

	conv, err := karpathy.NewConverter(opts)
	if err != nil {
		return fmt.Errorf("configuring converter: %w", err)
	}

	start := time.Now()
	summary, err := conv.Run(ctx, logger)
	if err != nil {
		return fmt.Errorf("converting dataset: %w", err)
	}
	logger.Info(
		"conversion complete",
		slog.Int("annotation_entries", summary.Entries),
		slog.Int("indexed", summary.Indexed),
		slog.Int("relabeled", summary.Relabeled),
		slog.Int("enumerated", summary.Join.Enumerated),
		slog.Int("matched", summary.Join.Matched),
		slog.Duration("took", time.Since(start).Round(time.Millisecond)),
	)

	if *flagS3Bucket == "" {
		return nil
	}
	uploader, err := storage.NewUploader(ctx, *flagS3Bucket, *flagS3Prefix)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}
	files := slices.Sorted(maps.Values(summary.Files))
	if err := uploader.UploadFiles(ctx, logger, files); err != nil {
		return fmt.Errorf("uploading split files: %w", err)
	}
	return nil
}
