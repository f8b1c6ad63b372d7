// Command vilt trains or tests a vision-and-language model on the per-split
// caption files written by cmd/convert.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vilt-go/vilt/pkg/datamodule"
	"github.com/vilt-go/vilt/pkg/runs"
	"github.com/vilt-go/vilt/pkg/trainer"
)

const checkpointDirName = "checkpoints"

func main() {
	flag.Parse()

	logger, closeLog := newLogger()

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
	cfg, err := LoadConfig(*flagConfig, *flagEnvFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info(
		"global seed set",
		slog.Uint64("seed", cfg.Seed),
		slog.Int("rank", cfg.Rank()),
		slog.Int("world_size", cfg.WorldSize()),
		slog.Bool("distributed", cfg.Distributed()),
	)

	models := newModelRegistry()
	if *flagModelPlugin != "" {
		if err := models.LoadPlugin(*flagModelPlugin, cfg.Model); err != nil {
			return err
		}
	}
	module, err := models.New(cfg.Model, cfg.ModelOptions, logger)
	if err != nil {
		return err
	}

	dm, err := datamodule.New(cfg.DataOptions(), logger)
	if err != nil {
		return fmt.Errorf("creating data module: %w", err)
	}

	opts, err := cfg.TrainerOptions()
	if err != nil {
		return fmt.Errorf("deriving trainer options: %w", err)
	}
	opts.ShowProgress = *flagProgress

	registry, instruments := trainer.NewRegistry()
	if *flagMetricsPort > 0 {
		trainer.ServeMetrics(ctx, logger, *flagMetricsPort, registry)
	}
	trainerOpts := []trainer.Option{trainer.WithInstruments(instruments)}

	summary := runs.Summary{
		ID:         uuid.New(),
		ExpName:    cfg.ExpName,
		LoggerName: cfg.LoggerName(),
		Stage:      string(trainer.StageFit),
		Config:     cfg,
	}
	if cfg.TestOnly {
		summary.Stage = string(trainer.StageTest)
	}

	// Only rank 0 writes logs and checkpoints.
	var checkpoint *trainer.ModelCheckpoint
	if cfg.Rank() == 0 {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		csvLogger, err := trainer.NewCSVLogger(cfg.LogDir, summary.LoggerName)
		if err != nil {
			return fmt.Errorf("creating metrics logger: %w", err)
		}
		defer csvLogger.Close()
		if err := csvLogger.LogHyperparams(cfg); err != nil {
			return fmt.Errorf("writing hyperparameters: %w", err)
		}
		summary.Version = csvLogger.Version()
		trainerOpts = append(trainerOpts, trainer.WithMetricsSink(csvLogger))
		logger = logger.With(slog.String("run_dir", csvLogger.Dir()))

		if !cfg.TestOnly {
			checkpoint, err = trainer.NewModelCheckpoint(
				filepath.Join(csvLogger.Dir(), checkpointDirName),
				cfg.CheckpointOptions(),
				logger,
			)
			if err != nil {
				return fmt.Errorf("creating checkpoint callback: %w", err)
			}
			defer checkpoint.Close()
			trainerOpts = append(trainerOpts, trainer.WithCallbacks(checkpoint, &trainer.LearningRateMonitor{}))
		}
	}

	t, err := trainer.New[datamodule.Batch](opts, logger, trainerOpts...)
	if err != nil {
		return err
	}

	summary.StartedAt = time.Now()
	if cfg.TestOnly {
		metrics, err := t.Test(ctx, module, dm)
		if err != nil {
			return fmt.Errorf("testing: %w", err)
		}
		summary.Metrics = metrics
	} else {
		if err := t.Fit(ctx, module, dm); err != nil {
			return fmt.Errorf("fitting: %w", err)
		}
		if checkpoint != nil {
			if best, ok := checkpoint.Best(); ok {
				summary.Metrics = trainer.Metrics{monitoredMetric: best}
			}
			logger.Info("checkpoints saved", slog.String("path", checkpoint.Path()))
		}
	}
	summary.FinishedAt = time.Now()
	summary.Epoch = t.Epoch()
	summary.GlobalStep = t.GlobalStep()

	if cfg.Rank() != 0 || cfg.FastDevRun {
		return nil
	}
	return recordRun(ctx, logger, summary)
}

// recordRun stores summary in the -mysql-dsn database, if one is set.
func recordRun(ctx context.Context, logger *slog.Logger, summary runs.Summary) error {
	recorder, err := runs.Open(ctx, *flagMySQLDSN)
	if err != nil {
		return fmt.Errorf("connecting to run database: %w", err)
	}
	if recorder == nil {
		return nil
	}
	defer recorder.Close()

	if err := recorder.Record(ctx, summary); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	logger.Info("recorded run", slog.String("run_id", summary.ID.String()))
	return nil
}
