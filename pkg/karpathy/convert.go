package karpathy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/schollz/progressbar/v3"
)

// Options configures a conversion. Zero values are filled in from Root by
// NewConverter.
type Options struct {
	Root      string // dataset root holding karpathy/, train2014/ and val2014/
	OutputDir string
	Dataset   string // file name prefix, "coco" by default

	AnnotationsPath string   // defaults to <Root>/karpathy/dataset_coco.json
	ImageDirs       []string // defaults to TrainDir, ValDir
	TrainDir        string   // defaults to <Root>/train2014
	ValDir          string   // defaults to <Root>/val2014
	Ext             string   // defaults to DefaultImageExt

	// PartTest2Train relabels test entries into train with probability
	// RelabelProbability. The training image directory must then be empty.
	PartTest2Train     bool
	RelabelProbability float64

	Seed         uint64
	Concurrency  int // parallel image reads, defaults to the number of CPUs
	ShowProgress bool
}

// DefaultRelabelProbability is the chance that a test entry moves into train.
const DefaultRelabelProbability = 0.5

// Summary describes a finished conversion.
type Summary struct {
	Entries   int // annotation entries
	Indexed   int // filenames with at least one caption
	Relabeled int
	Join      JoinStats
	Rows      map[Split]int
	Sizes     map[Split]SizeHistogram
	Files     map[Split]string
}

// Converter runs the annotation + image directory to split files pipeline.
type Converter struct {
	opts Options
}

// NewConverter validates opts and fills in defaults.
func NewConverter(opts Options) (*Converter, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("%w: output directory is required", ErrConfig)
	}
	dirsGiven := len(opts.ImageDirs) > 0 || (opts.TrainDir != "" && opts.ValDir != "")
	if opts.Root == "" && (opts.AnnotationsPath == "" || !dirsGiven) {
		return nil, fmt.Errorf("%w: dataset root is required", ErrConfig)
	}
	if opts.Dataset == "" {
		opts.Dataset = "coco"
	}
	if opts.AnnotationsPath == "" {
		opts.AnnotationsPath = filepath.Join(opts.Root, "karpathy", "dataset_coco.json")
	}
	if opts.TrainDir == "" {
		opts.TrainDir = filepath.Join(opts.Root, "train2014")
	}
	if opts.ValDir == "" {
		opts.ValDir = filepath.Join(opts.Root, "val2014")
	}
	if len(opts.ImageDirs) == 0 {
		opts.ImageDirs = []string{opts.TrainDir, opts.ValDir}
	}
	if opts.Ext == "" {
		opts.Ext = DefaultImageExt
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.PartTest2Train &&
		(opts.RelabelProbability < 0 || opts.RelabelProbability > 1) {
		return nil, fmt.Errorf(
			"%w: relabel probability %f not in [0, 1]",
			ErrConfig,
			opts.RelabelProbability,
		)
	}
	return &Converter{opts: opts}, nil
}

// Options returns the effective options, defaults included.
func (c *Converter) Options() Options {
	return c.opts
}

// Run executes the conversion. Steps run in order and the first failure aborts
// the run; split files written before the failure are kept.
func (c *Converter) Run(ctx context.Context, logger *slog.Logger) (*Summary, error) {
	conv := &conversion{
		opts:    c.opts,
		rng:     rand.New(rand.NewPCG(c.opts.Seed, 0)),
		summary: &Summary{},
	}
	for i, step := range conv.plan() {
		logger.Info("running conversion step", slog.Int("step", i+1), slog.String("desc", step.desc()))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := step.run(ctx, logger); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return conv.summary, nil
}

// conversion is the state shared by the steps of one run. The relabel draws
// and the shuffle consume the same random source, in that order.
type conversion struct {
	opts    Options
	rng     *rand.Rand
	idx     *Index
	paths   []string
	rows    []Row
	summary *Summary
}

type conversionStep interface {
	desc() string
	run(ctx context.Context, logger *slog.Logger) error
}

func (c *conversion) plan() []conversionStep {
	steps := []conversionStep{&stepLoadIndex{c}}
	if c.opts.PartTest2Train {
		steps = append(steps, &stepCheckTrainEmpty{c})
	}
	return append(steps,
		&stepEnumerate{c},
		&stepJoin{c},
		&stepMaterialize{c},
		&stepWrite{c},
	)
}

func (c *conversion) progress(n int, desc string) *progressbar.ProgressBar {
	if !c.opts.ShowProgress {
		return nil
	}
	return progressbar.Default(int64(n), desc)
}

type stepLoadIndex struct{ *conversion }

func (s *stepLoadIndex) desc() string {
	if s.opts.PartTest2Train {
		return fmt.Sprintf(
			"indexing annotations from %s, relabelling test to train with p=%.2f",
			s.opts.AnnotationsPath,
			s.opts.RelabelProbability,
		)
	}
	return "indexing annotations from " + s.opts.AnnotationsPath
}

func (s *stepLoadIndex) run(_ context.Context, logger *slog.Logger) error {
	var relabel *Relabel
	if s.opts.PartTest2Train {
		relabel = &Relabel{Probability: s.opts.RelabelProbability, Rand: s.rng}
	}
	idx, err := LoadIndex(s.opts.AnnotationsPath, relabel)
	if err != nil {
		return fmt.Errorf("loading annotation index: %w", err)
	}
	s.idx = idx
	s.summary.Entries = idx.Entries
	s.summary.Indexed = len(idx.Captions)
	s.summary.Relabeled = idx.Relabeled

	counts := idx.SplitCounts()
	logger.Info(
		"built annotation index",
		slog.Int("entries", idx.Entries),
		slog.Int("captioned", len(idx.Captions)),
		slog.Int("relabeled", idx.Relabeled),
		slog.Int(string(SplitTrain), counts[SplitTrain]),
		slog.Int(string(SplitVal), counts[SplitVal]),
		slog.Int(string(SplitRestval), counts[SplitRestval]),
		slog.Int(string(SplitTest), counts[SplitTest]),
	)
	return nil
}

type stepCheckTrainEmpty struct{ *conversion }

func (s *stepCheckTrainEmpty) desc() string {
	return "checking that " + s.opts.TrainDir + " holds no images"
}

func (s *stepCheckTrainEmpty) run(context.Context, *slog.Logger) error {
	return CheckEmpty(s.opts.TrainDir, s.opts.Ext)
}

type stepEnumerate struct{ *conversion }

func (s *stepEnumerate) desc() string {
	return fmt.Sprintf(
		"listing *%s images in %s and shuffling them",
		s.opts.Ext,
		strings.Join(s.opts.ImageDirs, ", "),
	)
}

func (s *stepEnumerate) run(_ context.Context, logger *slog.Logger) error {
	paths, err := EnumerateImages(s.opts.ImageDirs, s.opts.Ext)
	if err != nil {
		return fmt.Errorf("enumerating images: %w", err)
	}
	Shuffle(paths, s.rng)
	s.paths = paths
	logger.Debug("enumerated images", slog.Int("count", len(paths)))
	return nil
}

type stepJoin struct{ *conversion }

func (s *stepJoin) desc() string {
	return "dropping images without captions"
}

func (s *stepJoin) run(_ context.Context, logger *slog.Logger) error {
	matched, stats := Join(s.paths, s.idx)
	s.paths = matched
	s.summary.Join = stats

	attrs := []any{
		slog.Int("enumerated", stats.Enumerated),
		slog.Int("matched", stats.Matched),
		slog.Int("dropped", stats.Dropped),
		slog.Int("indexed", len(s.idx.Captions)),
	}
	if stats.Dropped > 0 {
		logger.Warn("some images have no captions", attrs...)
	} else {
		logger.Info("every image has captions", attrs...)
	}
	return nil
}

type stepMaterialize struct{ *conversion }

func (s *stepMaterialize) desc() string {
	return fmt.Sprintf(
		"reading %d images with %d parallel readers",
		len(s.paths),
		s.opts.Concurrency,
	)
}

func (s *stepMaterialize) run(ctx context.Context, _ *slog.Logger) error {
	rows, err := MaterializeRows(
		ctx,
		s.paths,
		s.idx,
		s.opts.Concurrency,
		s.progress(len(s.paths), "reading images"),
	)
	if err != nil {
		return err
	}
	s.rows = rows
	return nil
}

type stepWrite struct{ *conversion }

func (s *stepWrite) desc() string {
	return fmt.Sprintf(
		"writing %d rows to %d %s split files in %s",
		len(s.rows),
		len(AllSplits),
		s.opts.Dataset,
		s.opts.OutputDir,
	)
}

func (s *stepWrite) run(_ context.Context, logger *slog.Logger) error {
	groups, err := Partition(s.rows)
	if err != nil {
		return fmt.Errorf("partitioning rows: %w", err)
	}
	files, err := WriteSplits(s.opts.OutputDir, s.opts.Dataset, groups)
	if err != nil {
		return err
	}

	s.summary.Files = files
	s.summary.Rows = make(map[Split]int, len(groups))
	s.summary.Sizes = make(map[Split]SizeHistogram, len(groups))
	for _, split := range AllSplits {
		rows := groups[split]
		sizes := NewSizeHistogram(rows)
		s.summary.Rows[split] = len(rows)
		s.summary.Sizes[split] = sizes
		logger.Info(
			"wrote split file",
			slog.String("split", string(split)),
			slog.Int("rows", len(rows)),
			slog.String("path", files[split]),
			slog.Any("image_bytes", sizes),
		)
	}
	return nil
}
