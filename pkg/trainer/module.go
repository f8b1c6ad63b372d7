// Package trainer runs fit and test loops over a model module and a data
// module: gradient accumulation, periodic validation, checkpointing, metric
// logging and resumption.
//
// The model itself is external. Trainer only drives it through Module, and the
// data it sees through DataModule.
package trainer

import (
	"context"
	"iter"
)

// Stage is the phase a data module is set up for.
type Stage string

const (
	StageFit  Stage = "fit"
	StageTest Stage = "test"
)

// Environment describes the process topology and numeric settings a run uses.
type Environment struct {
	Rank          int // global rank of this process
	WorldSize     int // devices * nodes
	Devices       int
	Nodes         int
	Precision     int // 16, 32 or 64 bit floats
	Seed          uint64
	Deterministic bool
}

// Distributed reports whether more than one process takes part in the run.
func (e Environment) Distributed() bool {
	return e.WorldSize > 1
}

// Metrics are named scalar values reported by a step.
type Metrics map[string]float64

// Stateful is implemented by anything whose state can be checkpointed.
type Stateful interface {
	State() ([]byte, error)
	LoadState(state []byte) error
}

// Module is a trainable model. TrainingStep accumulates gradients for one
// batch and OptimizerStep applies and clears them.
type Module[B any] interface {
	Stateful
	TrainingStep(ctx context.Context, batch B, batchIdx int) (Metrics, error)
	OptimizerStep(ctx context.Context) error
	ValidationStep(ctx context.Context, batch B, batchIdx int) (Metrics, error)
	TestStep(ctx context.Context, batch B, batchIdx int) (Metrics, error)
}

// Configurable modules are configured once before fitting or testing.
type Configurable interface {
	Configure(ctx context.Context, env Environment) error
}

// LearningRater modules expose their current learning rates, keyed by
// parameter group.
type LearningRater interface {
	LearningRates() map[string]float64
}

// Loader yields the batches of one pass over a dataset.
type Loader[B any] interface {
	Len() int
	Batches(ctx context.Context) iter.Seq2[B, error]
}

// DataModule provides the loaders of every stage.
type DataModule[B any] interface {
	Setup(ctx context.Context, stage Stage, env Environment) error
	TrainLoader(epoch int) Loader[B]
	ValLoader() Loader[B]
	TestLoader() Loader[B]
}
