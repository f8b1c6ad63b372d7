package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"plugin"
	"slices"
	"sync"

	"github.com/vilt-go/vilt/pkg/datamodule"
	"github.com/vilt-go/vilt/pkg/trainer"
)

// Module is a model trained on the multitask batches.
type Module = trainer.Module[datamodule.Batch]

// ModelFactory builds a model from the model_options of the run config.
type ModelFactory func(options map[string]any, logger *slog.Logger) (Module, error)

// pluginSymbol is the factory a model plugin must export.
const pluginSymbol = "NewModule"

// modelRegistry maps model names to factories.
type modelRegistry struct {
	mu        sync.RWMutex
	factories map[string]ModelFactory
}

// newModelRegistry creates a registry holding the built-in models.
func newModelRegistry() *modelRegistry {
	r := &modelRegistry{factories: make(map[string]ModelFactory)}
	r.Register(dryRunModelName, newDryRunModel)
	return r
}

// Register adds or replaces the factory for name.
func (r *modelRegistry) Register(name string, factory ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
}

// Names lists the registered models, sorted.
func (r *modelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.factories))
}

// New builds the model registered as name.
func (r *modelRegistry) New(name string, options map[string]any, logger *slog.Logger) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf(
			"unknown model %q (registered: %v); load it with -model-plugin",
			name,
			r.Names(),
		)
	}

	module, err := factory(options, logger.With(slog.String("model", name)))
	if err != nil {
		return nil, fmt.Errorf("building model %q: %w", name, err)
	}
	return module, nil
}

// LoadPlugin opens the Go plugin at path and registers its NewModule factory
// as name.
func (r *modelRegistry) LoadPlugin(path, name string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("opening model plugin %q: %w", path, err)
	}
	sym, err := p.Lookup(pluginSymbol)
	if err != nil {
		return fmt.Errorf("looking up %s in %q: %w", pluginSymbol, path, err)
	}

	var factory ModelFactory
	switch fn := sym.(type) {
	case func(map[string]any, *slog.Logger) (Module, error):
		factory = fn
	case *func(map[string]any, *slog.Logger) (Module, error):
		factory = *fn
	default:
		return fmt.Errorf("%s in %q has type %T, not a model factory", pluginSymbol, path, sym)
	}
	r.Register(name, factory)
	return nil
}

const dryRunModelName = "dryrun"

// dryRunModel walks batches through the loop without learning anything. Its
// validation metric is the share of examples carrying both image bytes and at
// least one caption.
type dryRunModel struct {
	lr     float64
	logger *slog.Logger

	state dryRunState
}

type dryRunState struct {
	Steps    int `json:"steps"`
	Examples int `json:"examples"`
	Pending  int `json:"-"`
}

var (
	_ Module                = (*dryRunModel)(nil)
	_ trainer.LearningRater = (*dryRunModel)(nil)
	_ trainer.Configurable  = (*dryRunModel)(nil)
)

func newDryRunModel(options map[string]any, logger *slog.Logger) (Module, error) {
	m := &dryRunModel{lr: 1e-4, logger: logger}
	if v, ok := options["learning_rate"]; ok {
		switch lr := v.(type) {
		case float64:
			m.lr = lr
		case int:
			m.lr = float64(lr)
		default:
			return nil, fmt.Errorf("learning_rate must be a number, got %T", v)
		}
	}
	return m, nil
}

func (m *dryRunModel) Configure(_ context.Context, env trainer.Environment) error {
	m.logger.Info(
		"configured dry run model",
		slog.Int("rank", env.Rank),
		slog.Int("world_size", env.WorldSize),
		slog.Int("precision", env.Precision),
	)
	return nil
}

func (m *dryRunModel) TrainingStep(_ context.Context, batch datamodule.Batch, _ int) (trainer.Metrics, error) {
	m.state.Pending += len(batch)
	return trainer.Metrics{
		"train/examples": float64(len(batch)),
		"train/captions": float64(captionCount(batch)),
	}, nil
}

func (m *dryRunModel) OptimizerStep(context.Context) error {
	m.state.Steps++
	m.state.Examples += m.state.Pending
	m.state.Pending = 0
	return nil
}

func (m *dryRunModel) ValidationStep(_ context.Context, batch datamodule.Batch, _ int) (trainer.Metrics, error) {
	return trainer.Metrics{"val/the_metric": completeShare(batch)}, nil
}

func (m *dryRunModel) TestStep(_ context.Context, batch datamodule.Batch, _ int) (trainer.Metrics, error) {
	return trainer.Metrics{
		"test/complete": completeShare(batch),
		"test/captions": float64(captionCount(batch)) / float64(max(len(batch), 1)),
	}, nil
}

func (m *dryRunModel) LearningRates() map[string]float64 {
	return map[string]float64{"model": m.lr}
}

func (m *dryRunModel) State() ([]byte, error) {
	return json.Marshal(m.state)
}

func (m *dryRunModel) LoadState(state []byte) error {
	var s dryRunState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("decoding dry run state: %w", err)
	}
	m.state = s
	return nil
}

func captionCount(batch datamodule.Batch) int {
	var n int
	for _, ex := range batch {
		n += len(ex.Captions)
	}
	return n
}

func completeShare(batch datamodule.Batch) float64 {
	if len(batch) == 0 {
		return 0
	}
	var complete int
	for _, ex := range batch {
		if len(ex.Image) > 0 && len(ex.Captions) > 0 {
			complete++
		}
	}
	return float64(complete) / float64(len(batch))
}
