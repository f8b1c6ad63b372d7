package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
)

// Options configures a Trainer.
type Options struct {
	MaxEpochs             int
	MaxSteps              int // optimizer steps; 0 means no limit
	AccumulateGradBatches int
	// ValCheckInterval <= 1 is a fraction of the training epoch, above 1 a
	// number of training batches.
	ValCheckInterval float64
	LogEveryNSteps   int
	// FastDevRun runs a single training and validation batch, without
	// callbacks or metric files.
	FastDevRun bool
	ResumeFrom string // checkpoint store to resume the fit loop from
	LoadPath   string // model weights to start from
	Env        Environment
	// ShowProgress draws a progress bar per epoch.
	ShowProgress bool
}

// DefaultLogEveryNSteps is used when Options.LogEveryNSteps is zero.
const DefaultLogEveryNSteps = 50

func (o *Options) validate() error {
	var errs []error
	if o.MaxEpochs < 1 {
		errs = append(errs, fmt.Errorf("max epochs must be positive, got %d", o.MaxEpochs))
	}
	if o.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("max steps must not be negative, got %d", o.MaxSteps))
	}
	if o.AccumulateGradBatches < 1 {
		errs = append(errs, fmt.Errorf(
			"accumulate grad batches must be positive, got %d",
			o.AccumulateGradBatches,
		))
	}
	if o.ValCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf(
			"val check interval must be positive, got %f",
			o.ValCheckInterval,
		))
	}
	if o.LogEveryNSteps < 0 {
		errs = append(errs, fmt.Errorf(
			"log every n steps must not be negative, got %d",
			o.LogEveryNSteps,
		))
	}
	return errors.Join(errs...)
}

// Option adds collaborators to a Trainer.
type Option func(*collaborators)

type collaborators struct {
	callbacks   []Callback
	sink        MetricsSink
	instruments *Instruments
}

// WithCallbacks adds fit loop callbacks, run in order.
func WithCallbacks(callbacks ...Callback) Option {
	return func(c *collaborators) { c.callbacks = append(c.callbacks, callbacks...) }
}

// WithMetricsSink sets where step and validation metrics are logged. Sinks with
// a Flush() error method are flushed after each validation and at the end of
// fit and test.
func WithMetricsSink(sink MetricsSink) Option {
	return func(c *collaborators) { c.sink = sink }
}

// WithInstruments sets the prometheus collectors to update.
func WithInstruments(ins *Instruments) Option {
	return func(c *collaborators) { c.instruments = ins }
}

// Trainer drives a Module over the loaders of a DataModule.
type Trainer[B any] struct {
	opts   Options
	logger *slog.Logger
	collaborators

	epoch      int
	globalStep int
}

// New validates opts and creates a trainer.
func New[B any](opts Options, logger *slog.Logger, options ...Option) (*Trainer[B], error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer options: %w", err)
	}
	if opts.LogEveryNSteps == 0 {
		opts.LogEveryNSteps = DefaultLogEveryNSteps
	}
	t := &Trainer[B]{opts: opts, logger: logger}
	for _, opt := range options {
		opt(&t.collaborators)
	}
	if t.instruments == nil {
		t.instruments = NewInstruments(nil)
	}
	return t, nil
}

// GlobalStep is the number of optimizer steps taken, including those restored
// from a checkpoint.
func (t *Trainer[B]) GlobalStep() int {
	return t.globalStep
}

// Epoch is the current, or last run, epoch.
func (t *Trainer[B]) Epoch() int {
	return t.epoch
}

func (t *Trainer[B]) rankZero() bool {
	return t.opts.Env.Rank == 0
}

// reporting reports whether callbacks and metric sinks are active.
func (t *Trainer[B]) reporting() bool {
	return t.rankZero() && !t.opts.FastDevRun
}

func (t *Trainer[B]) prepare(ctx context.Context, module Module[B], dm DataModule[B], stage Stage) error {
	if c, ok := module.(Configurable); ok {
		if err := c.Configure(ctx, t.opts.Env); err != nil {
			return fmt.Errorf("configuring module: %w", err)
		}
	}
	if err := dm.Setup(ctx, stage, t.opts.Env); err != nil {
		return fmt.Errorf("setting up data for %s: %w", stage, err)
	}
	return nil
}

func (t *Trainer[B]) loadWeights(module Module[B]) error {
	state, err := LoadWeights(t.opts.LoadPath)
	if err != nil {
		return fmt.Errorf("loading weights from %q: %w", t.opts.LoadPath, err)
	}
	if err := module.LoadState(state); err != nil {
		return fmt.Errorf("restoring weights from %q: %w", t.opts.LoadPath, err)
	}
	t.logger.Info("loaded model weights", slog.String("path", t.opts.LoadPath))
	return nil
}

// Fit trains module until MaxEpochs or MaxSteps is reached.
func (t *Trainer[B]) Fit(ctx context.Context, module Module[B], dm DataModule[B]) error {
	if err := t.prepare(ctx, module, dm, StageFit); err != nil {
		return err
	}

	startEpoch := 0
	switch {
	case t.opts.ResumeFrom != "":
		ckpt, err := LoadCheckpoint(t.opts.ResumeFrom, KeyLast)
		if err != nil {
			return fmt.Errorf("loading checkpoint to resume from: %w", err)
		}
		if err := module.LoadState(ckpt.State); err != nil {
			return fmt.Errorf("restoring module state from %q: %w", t.opts.ResumeFrom, err)
		}
		startEpoch = ckpt.Epoch + 1
		t.globalStep = ckpt.GlobalStep
		t.logger.Info(
			"resuming from checkpoint",
			slog.String("path", t.opts.ResumeFrom),
			slog.Int("epoch", startEpoch),
			slog.Int("global_step", t.globalStep),
		)
	case t.opts.LoadPath != "":
		if err := t.loadWeights(module); err != nil {
			return err
		}
	}

	maxEpochs := t.opts.MaxEpochs
	if t.opts.FastDevRun {
		maxEpochs = startEpoch + 1
	}
	for epoch := startEpoch; epoch < maxEpochs; epoch++ {
		if t.maxStepsReached() {
			break
		}
		t.epoch = epoch
		t.instruments.Epoch.Set(float64(epoch))
		stop, err := t.fitEpoch(ctx, module, dm, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if stop {
			break
		}
	}

	if t.reporting() {
		ls := t.loopState(module)
		for _, cb := range t.callbacks {
			if err := cb.OnFitEnd(ls); err != nil {
				return fmt.Errorf("fit end callback: %w", err)
			}
		}
	}
	if err := t.flush(); err != nil {
		return err
	}

	t.logger.Info(
		"fit complete",
		slog.Int("epoch", t.epoch),
		slog.Int("global_step", t.globalStep),
	)
	return nil
}

func (t *Trainer[B]) maxStepsReached() bool {
	return t.opts.MaxSteps > 0 && t.globalStep >= t.opts.MaxSteps
}

// valCheckBatches returns after how many training batches validation runs.
func (t *Trainer[B]) valCheckBatches(numBatches int) (int, error) {
	interval := t.opts.ValCheckInterval
	if interval <= 1 || numBatches == 0 {
		return max(int(float64(numBatches)*interval), 1), nil
	}
	every := int(interval)
	if every > numBatches {
		return 0, fmt.Errorf(
			"val check interval %d is larger than the %d training batches",
			every,
			numBatches,
		)
	}
	return every, nil
}

func (t *Trainer[B]) fitEpoch(
	ctx context.Context,
	module Module[B],
	dm DataModule[B],
	epoch int,
) (bool, error) {
	loader := dm.TrainLoader(epoch)
	numBatches := loader.Len()
	valEvery, err := t.valCheckBatches(numBatches)
	if err != nil {
		return false, err
	}

	var bar *progressbar.ProgressBar
	if t.opts.ShowProgress && t.rankZero() {
		bar = progressbar.Default(int64(numBatches), fmt.Sprintf("epoch %d", epoch))
	}

	var (
		pending  int
		batchIdx int
		metrics  Metrics
	)
	for batch, err := range loader.Batches(ctx) {
		if err != nil {
			return false, fmt.Errorf("loading training batch %d: %w", batchIdx, err)
		}

		start := time.Now()
		metrics, err = module.TrainingStep(ctx, batch, batchIdx)
		if err != nil {
			return false, fmt.Errorf("training step %d: %w", batchIdx, err)
		}
		t.instruments.StepSeconds.Observe(time.Since(start).Seconds())
		t.instruments.TrainBatches.Inc()
		if bar != nil {
			bar.Add(1)
		}

		pending++
		batchIdx++
		if pending == t.opts.AccumulateGradBatches {
			if err := t.optimizerStep(ctx, module, metrics); err != nil {
				return false, err
			}
			pending = 0
		}

		if t.opts.FastDevRun {
			if pending > 0 {
				if err := t.optimizerStep(ctx, module, metrics); err != nil {
					return false, err
				}
			}
			return true, t.validate(ctx, module, dm, 1)
		}
		if batchIdx%valEvery == 0 {
			if err := t.validate(ctx, module, dm, 0); err != nil {
				return false, err
			}
		}
		if t.maxStepsReached() {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}

	// Leftover batches of an epoch not divisible by the accumulation still
	// get a step.
	if pending > 0 {
		if err := t.optimizerStep(ctx, module, metrics); err != nil {
			return false, err
		}
	}
	return t.maxStepsReached(), nil
}

func (t *Trainer[B]) optimizerStep(ctx context.Context, module Module[B], metrics Metrics) error {
	if err := module.OptimizerStep(ctx); err != nil {
		return fmt.Errorf("optimizer step %d: %w", t.globalStep+1, err)
	}
	t.globalStep++
	t.instruments.OptimizerSteps.Inc()
	t.instruments.observe(metrics)

	if !t.reporting() {
		return nil
	}
	ls := t.loopState(module)
	for _, cb := range t.callbacks {
		if err := cb.OnOptimizerStep(ls, t.sink); err != nil {
			return fmt.Errorf("optimizer step callback: %w", err)
		}
	}
	if t.sink != nil && t.globalStep%t.opts.LogEveryNSteps == 0 {
		logged := maps.Clone(metrics)
		if logged == nil {
			logged = make(Metrics, 1)
		}
		logged["epoch"] = float64(t.epoch)
		if err := t.sink.LogMetrics(t.globalStep, logged); err != nil {
			return fmt.Errorf("logging training metrics: %w", err)
		}
	}
	return nil
}

// validate runs the validation loader, at most limit batches when limit > 0.
func (t *Trainer[B]) validate(ctx context.Context, module Module[B], dm DataModule[B], limit int) error {
	avg, n, err := evaluate(ctx, dm.ValLoader(), module.ValidationStep, limit)
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if n == 0 {
		t.logger.Warn("validation loader yielded no batches")
		return nil
	}
	t.instruments.observe(avg)
	t.logger.Info(
		"validation complete",
		slog.Int("epoch", t.epoch),
		slog.Int("global_step", t.globalStep),
		slog.Int("batches", n),
		slog.Any("metrics", avg),
	)

	if !t.reporting() {
		return nil
	}
	if t.sink != nil {
		logged := maps.Clone(avg)
		logged["epoch"] = float64(t.epoch)
		if err := t.sink.LogMetrics(t.globalStep, logged); err != nil {
			return fmt.Errorf("logging validation metrics: %w", err)
		}
	}
	ls := t.loopState(module)
	for _, cb := range t.callbacks {
		if err := cb.OnValidationEnd(ls, avg); err != nil {
			return fmt.Errorf("validation end callback: %w", err)
		}
	}
	return t.flush()
}

// Test evaluates module on the test loader and returns the averaged metrics.
// Weights come from LoadPath, or else from the ResumeFrom checkpoint.
func (t *Trainer[B]) Test(ctx context.Context, module Module[B], dm DataModule[B]) (Metrics, error) {
	if err := t.prepare(ctx, module, dm, StageTest); err != nil {
		return nil, err
	}
	switch {
	case t.opts.LoadPath != "":
		if err := t.loadWeights(module); err != nil {
			return nil, err
		}
	case t.opts.ResumeFrom != "":
		ckpt, err := LoadCheckpoint(t.opts.ResumeFrom, KeyLast)
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint to test: %w", err)
		}
		if err := module.LoadState(ckpt.State); err != nil {
			return nil, fmt.Errorf("restoring module state from %q: %w", t.opts.ResumeFrom, err)
		}
		t.globalStep = ckpt.GlobalStep
	default:
		t.logger.Warn("testing without loading weights, using the module's initial state")
	}

	limit := 0
	if t.opts.FastDevRun {
		limit = 1
	}
	avg, n, err := evaluate(ctx, dm.TestLoader(), module.TestStep, limit)
	if err != nil {
		return nil, fmt.Errorf("test: %w", err)
	}
	t.instruments.observe(avg)
	t.logger.Info("test complete", slog.Int("batches", n), slog.Any("metrics", avg))

	if t.reporting() && t.sink != nil && n > 0 {
		if err := t.sink.LogMetrics(t.globalStep, avg); err != nil {
			return nil, fmt.Errorf("logging test metrics: %w", err)
		}
	}
	if err := t.flush(); err != nil {
		return nil, err
	}
	return avg, nil
}

func (t *Trainer[B]) loopState(module Module[B]) LoopState {
	return LoopState{Epoch: t.epoch, GlobalStep: t.globalStep, Module: module}
}

func (t *Trainer[B]) flush() error {
	if !t.reporting() {
		return nil
	}
	if f, ok := t.sink.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing metrics: %w", err)
		}
	}
	return nil
}

// evaluate runs step over every batch of loader, or the first limit batches
// when limit > 0, and averages each metric over the batches reporting it.
func evaluate[B any](
	ctx context.Context,
	loader Loader[B],
	step func(context.Context, B, int) (Metrics, error),
	limit int,
) (Metrics, int, error) {
	var (
		values = make(map[string][]float64)
		n      int
	)
	for batch, err := range loader.Batches(ctx) {
		if err != nil {
			return nil, n, fmt.Errorf("loading batch %d: %w", n, err)
		}
		metrics, err := step(ctx, batch, n)
		if err != nil {
			return nil, n, fmt.Errorf("step %d: %w", n, err)
		}
		for k, v := range metrics {
			values[k] = append(values[k], v)
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}

	avg := make(Metrics, len(values))
	for k, vs := range values {
		avg[k] = stat.Mean(vs, nil)
	}
	return avg, n, nil
}
