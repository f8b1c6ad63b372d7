package trainer

import (
	"maps"
	"slices"
)

// LoopState is the position of the fit loop when a callback fires.
type LoopState struct {
	Epoch      int
	GlobalStep int
	Module     Stateful
}

// Callback hooks into the fit loop. Callbacks only run on rank 0 and never
// during a fast dev run.
type Callback interface {
	// OnOptimizerStep runs after each optimizer step.
	OnOptimizerStep(ls LoopState, sink MetricsSink) error
	// OnValidationEnd runs with the averaged validation metrics.
	OnValidationEnd(ls LoopState, metrics Metrics) error
	// OnFitEnd runs once the fit loop finished without error.
	OnFitEnd(ls LoopState) error
}

// BaseCallback implements Callback with no-ops, for embedding.
type BaseCallback struct{}

func (BaseCallback) OnOptimizerStep(LoopState, MetricsSink) error { return nil }
func (BaseCallback) OnValidationEnd(LoopState, Metrics) error     { return nil }
func (BaseCallback) OnFitEnd(LoopState) error                     { return nil }

// MetricsSink receives metrics keyed by global step.
type MetricsSink interface {
	LogMetrics(step int, metrics Metrics) error
}

// LearningRateMonitor logs the learning rate of every parameter group after
// each optimizer step, as "lr-<group>". Modules that do not implement
// LearningRater are ignored.
type LearningRateMonitor struct {
	BaseCallback
}

var _ Callback = (*LearningRateMonitor)(nil)

func (LearningRateMonitor) OnOptimizerStep(ls LoopState, sink MetricsSink) error {
	lr, ok := ls.Module.(LearningRater)
	if !ok || sink == nil {
		return nil
	}
	rates := lr.LearningRates()
	if len(rates) == 0 {
		return nil
	}
	metrics := make(Metrics, len(rates))
	for _, group := range slices.Sorted(maps.Keys(rates)) {
		metrics["lr-"+group] = rates[group]
	}
	return sink.LogMetrics(ls.GlobalStep, metrics)
}
