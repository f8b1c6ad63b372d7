// Package datamodule serves the per-split caption files written by the
// converter as training, validation and test batches.
package datamodule

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/vilt-go/vilt/pkg/karpathy"
	"github.com/vilt-go/vilt/pkg/trainer"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// Example is one image-caption row tagged with the dataset it came from.
type Example struct {
	Dataset string
	karpathy.Row
}

// Batch is a group of at most BatchSize examples.
type Batch []Example

// Options configures a MultitaskDataModule.
type Options struct {
	DataRoot   string   // directory holding the split files
	Datasets   []string // dataset names, e.g. "coco"
	BatchSize  int      // examples per batch on each device
	Seed       uint64   // base seed of the per-epoch training order
	NumWorkers int      // split files read in parallel
}

// Splits read for each stage. Training also uses restval.
var (
	trainSplits = []karpathy.Split{karpathy.SplitTrain, karpathy.SplitRestval}
	valSplits   = []karpathy.Split{karpathy.SplitVal}
	testSplits  = []karpathy.Split{karpathy.SplitTest}
)

// MultitaskDataModule concatenates the splits of several datasets. Training
// examples are reshuffled every epoch; every loader is sharded round-robin
// across ranks.
type MultitaskDataModule struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	env   trainer.Environment
	train []Example
	val   []Example
	test  []Example
}

var _ trainer.DataModule[Batch] = (*MultitaskDataModule)(nil)

// New validates opts and creates a data module. Nothing is read before Setup.
func New(opts Options, logger *slog.Logger) (*MultitaskDataModule, error) {
	var errs []error
	if opts.DataRoot == "" {
		errs = append(errs, errors.New("data root is required"))
	}
	if len(opts.Datasets) == 0 {
		errs = append(errs, errors.New("at least one dataset is required"))
	}
	if opts.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	return &MultitaskDataModule{
		opts:   opts,
		logger: logger,
		env:    trainer.Environment{WorldSize: 1},
	}, nil
}

// Setup reads the split files the stage needs.
func (dm *MultitaskDataModule) Setup(ctx context.Context, stage trainer.Stage, env trainer.Environment) error {
	if env.WorldSize < 1 {
		env.WorldSize = 1
	}
	if env.Rank < 0 || env.Rank >= env.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", env.Rank, env.WorldSize)
	}

	switch stage {
	case trainer.StageFit:
		train, err := dm.load(ctx, trainSplits)
		if err != nil {
			return fmt.Errorf("loading training data: %w", err)
		}
		val, err := dm.load(ctx, valSplits)
		if err != nil {
			return fmt.Errorf("loading validation data: %w", err)
		}
		dm.mu.Lock()
		dm.train, dm.val, dm.env = train, val, env
		dm.mu.Unlock()
		dm.logger.Info(
			"loaded fit data",
			slog.Int("train", len(train)),
			slog.Int("val", len(val)),
			slog.Int("rank", env.Rank),
			slog.Int("world_size", env.WorldSize),
			slog.Bool("distributed", env.Distributed()),
		)
	case trainer.StageTest:
		test, err := dm.load(ctx, testSplits)
		if err != nil {
			return fmt.Errorf("loading test data: %w", err)
		}
		dm.mu.Lock()
		dm.test, dm.env = test, env
		dm.mu.Unlock()
		dm.logger.Info("loaded test data", slog.Int("test", len(test)))
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	return nil
}

// load reads the given splits of every dataset, in dataset then split order.
func (dm *MultitaskDataModule) load(ctx context.Context, splits []karpathy.Split) ([]Example, error) {
	type part struct {
		dataset string
		split   karpathy.Split
	}
	var parts []part
	for _, dataset := range dm.opts.Datasets {
		for _, split := range splits {
			parts = append(parts, part{dataset: dataset, split: split})
		}
	}

	var (
		results = make([][]karpathy.Row, len(parts))
		eg, gc  = errgroup.WithContext(ctx)
	)
	eg.SetLimit(dm.opts.NumWorkers)
	for i, p := range parts {
		eg.Go(func() error {
			if err := gc.Err(); err != nil {
				return err
			}
			path := filepath.Join(dm.opts.DataRoot, karpathy.SplitFileName(p.dataset, p.split))
			rows, err := karpathy.ReadSplitFile(path)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var examples []Example
	for i, rows := range results {
		for _, row := range rows {
			examples = append(examples, Example{Dataset: parts[i].dataset, Row: row})
		}
	}
	return examples, nil
}

// TrainLoader returns the training batches of epoch, in an order derived from
// the seed and the epoch.
func (dm *MultitaskDataModule) TrainLoader(epoch int) trainer.Loader[Batch] {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	rng := rand.New(rand.NewSource(dm.opts.Seed + uint64(epoch)))
	order := rng.Perm(len(dm.train))
	return newLoader(dm.train, shard(order, dm.env), dm.opts.BatchSize)
}

func (dm *MultitaskDataModule) ValLoader() trainer.Loader[Batch] {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return newLoader(dm.val, shard(identity(len(dm.val)), dm.env), dm.opts.BatchSize)
}

func (dm *MultitaskDataModule) TestLoader() trainer.Loader[Batch] {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return newLoader(dm.test, shard(identity(len(dm.test)), dm.env), dm.opts.BatchSize)
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// shard keeps every WorldSize-th position of order, starting at Rank. Shards
// differ in size by at most one; no padding is added.
func shard(order []int, env trainer.Environment) []int {
	if !env.Distributed() {
		return order
	}
	kept := make([]int, 0, len(order)/env.WorldSize+1)
	for pos := env.Rank; pos < len(order); pos += env.WorldSize {
		kept = append(kept, order[pos])
	}
	return kept
}

type loader struct {
	examples  []Example
	order     []int
	batchSize int
}

func newLoader(examples []Example, order []int, batchSize int) *loader {
	return &loader{examples: examples, order: order, batchSize: batchSize}
}

// Len is the number of batches, the last one possibly partial.
func (l *loader) Len() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

func (l *loader) Batches(ctx context.Context) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		for start := 0; start < len(l.order); start += l.batchSize {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			end := min(start+l.batchSize, len(l.order))
			batch := make(Batch, 0, end-start)
			for _, idx := range l.order[start:end] {
				batch = append(batch, l.examples[idx])
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}
