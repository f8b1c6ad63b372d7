package trainer

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"maps"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sliceLoader []int

func (l sliceLoader) Len() int { return len(l) }

func (l sliceLoader) Batches(ctx context.Context) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for _, b := range l {
			if err := ctx.Err(); err != nil {
				yield(0, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

func batches(n int) sliceLoader {
	l := make(sliceLoader, n)
	for i := range l {
		l[i] = i
	}
	return l
}

type fakeDataModule struct {
	train, val, test int
	stages           []Stage
	env              Environment
	trainEpochs      []int
}

func (dm *fakeDataModule) Setup(_ context.Context, stage Stage, env Environment) error {
	dm.stages = append(dm.stages, stage)
	dm.env = env
	return nil
}

func (dm *fakeDataModule) TrainLoader(epoch int) Loader[int] {
	dm.trainEpochs = append(dm.trainEpochs, epoch)
	return batches(dm.train)
}

func (dm *fakeDataModule) ValLoader() Loader[int]  { return batches(dm.val) }
func (dm *fakeDataModule) TestLoader() Loader[int] { return batches(dm.test) }

type fakeState struct {
	Steps int `json:"steps"`
}

// fakeModule counts its calls. Validation reports valByStep[steps] as
// "val/the_metric", test reports the batch index as "test/score".
type fakeModule struct {
	steps       int
	trainCalls  int
	valCalls    int
	testCalls   int
	configured  bool
	loadedState bool
	valByStep   map[int]float64
}

var (
	_ Module[int]   = (*fakeModule)(nil)
	_ Configurable  = (*fakeModule)(nil)
	_ LearningRater = (*fakeModule)(nil)
)

func (m *fakeModule) Configure(context.Context, Environment) error {
	m.configured = true
	return nil
}

func (m *fakeModule) TrainingStep(_ context.Context, batch int, _ int) (Metrics, error) {
	m.trainCalls++
	return Metrics{"train/loss": float64(batch)}, nil
}

func (m *fakeModule) OptimizerStep(context.Context) error {
	m.steps++
	return nil
}

func (m *fakeModule) ValidationStep(context.Context, int, int) (Metrics, error) {
	m.valCalls++
	return Metrics{"val/the_metric": m.valByStep[m.steps]}, nil
}

func (m *fakeModule) TestStep(_ context.Context, batch int, _ int) (Metrics, error) {
	m.testCalls++
	return Metrics{"test/score": float64(batch)}, nil
}

func (m *fakeModule) State() ([]byte, error) {
	return json.Marshal(fakeState{Steps: m.steps})
}

func (m *fakeModule) LoadState(state []byte) error {
	var s fakeState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	m.steps = s.Steps
	m.loadedState = true
	return nil
}

func (m *fakeModule) LearningRates() map[string]float64 {
	return map[string]float64{"group0": 1e-4, "group1": 5e-4}
}

type loggedMetrics struct {
	step    int
	metrics Metrics
}

type recordingSink struct {
	logged  []loggedMetrics
	flushes int
}

func (s *recordingSink) LogMetrics(step int, metrics Metrics) error {
	s.logged = append(s.logged, loggedMetrics{step: step, metrics: maps.Clone(metrics)})
	return nil
}

func (s *recordingSink) Flush() error {
	s.flushes++
	return nil
}

type recordingCallback struct {
	steps       int
	validations []Metrics
	fitEnds     int
}

func (c *recordingCallback) OnOptimizerStep(LoopState, MetricsSink) error {
	c.steps++
	return nil
}

func (c *recordingCallback) OnValidationEnd(_ LoopState, metrics Metrics) error {
	c.validations = append(c.validations, metrics)
	return nil
}

func (c *recordingCallback) OnFitEnd(LoopState) error {
	c.fitEnds++
	return nil
}
