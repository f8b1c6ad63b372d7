package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vilt-go/vilt/pkg/datamodule"
	"github.com/vilt-go/vilt/pkg/karpathy"
	"github.com/vilt-go/vilt/pkg/trainer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestModelRegistry(t *testing.T) {
	models := newModelRegistry()
	assert.Equal(t, []string{"dryrun"}, models.Names())

	_, err := models.New("vilt", nil, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown model "vilt"`)
	assert.Contains(t, err.Error(), "dryrun")

	models.Register("vilt", newDryRunModel)
	assert.Equal(t, []string{"dryrun", "vilt"}, models.Names())
	module, err := models.New("vilt", nil, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, module)
}

func TestLoadPluginMissingFile(t *testing.T) {
	err := newModelRegistry().LoadPlugin(filepath.Join(t.TempDir(), "model.so"), "vilt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening model plugin")
}

func TestDryRunModelOptions(t *testing.T) {
	module, err := newDryRunModel(map[string]any{"learning_rate": 0.5}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"model": 0.5}, module.(trainer.LearningRater).LearningRates())

	_, err = newDryRunModel(map[string]any{"learning_rate": "fast"}, discardLogger())
	assert.Error(t, err)
}

func TestDryRunModelState(t *testing.T) {
	ctx := context.Background()
	module, err := newDryRunModel(nil, discardLogger())
	require.NoError(t, err)

	batch := datamodule.Batch{
		{Dataset: "coco", Row: karpathy.Row{Image: []byte{1}, Captions: []string{"a", "b"}}},
		{Dataset: "coco", Row: karpathy.Row{Image: []byte{2}}},
	}
	metrics, err := module.TrainingStep(ctx, batch, 0)
	require.NoError(t, err)
	assert.Equal(t, trainer.Metrics{"train/examples": 2, "train/captions": 2}, metrics)
	require.NoError(t, module.OptimizerStep(ctx))

	metrics, err = module.ValidationStep(ctx, batch, 0)
	require.NoError(t, err)
	assert.Equal(t, trainer.Metrics{"val/the_metric": 0.5}, metrics)

	state, err := module.State()
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps": 1, "examples": 2}`, string(state))

	restored, err := newDryRunModel(nil, discardLogger())
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(state))
	again, err := restored.State()
	require.NoError(t, err)
	assert.Equal(t, state, again)
}

// writeDataRoot writes n rows of every split of the coco dataset.
func writeDataRoot(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	groups := make(map[karpathy.Split][]karpathy.Row)
	for _, split := range karpathy.AllSplits {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("COCO_%s_%012d.jpg", split, i)
			groups[split] = append(groups[split], karpathy.Row{
				Image:    []byte(id),
				Captions: []string{"a photo of " + id},
				ImageID:  id,
				Split:    split,
			})
		}
	}
	_, err := karpathy.WriteSplits(dir, "coco", groups)
	require.NoError(t, err)
	return dir
}

// withFlags points the config flags at the given files for one test.
func withFlags(t *testing.T, config string) {
	t.Helper()
	prevConfig, prevProgress := *flagConfig, *flagProgress
	*flagConfig, *flagProgress = config, false
	t.Cleanup(func() {
		*flagConfig, *flagProgress = prevConfig, prevProgress
	})
}

func TestRunFitThenTest(t *testing.T) {
	dataRoot := writeDataRoot(t, 8)
	logDir := t.TempDir()

	withFlags(t, writeFile(t, "fit.yaml", fmt.Sprintf(`
exp_name: smoke
data_root: %q
log_dir: %q
model: dryrun
batch_size: 4
per_gpu_batchsize: 2
max_epoch: 2
num_workers: 2
`, dataRoot, logDir)))
	require.NoError(t, run(context.Background(), discardLogger()))

	runDir := filepath.Join(logDir, "smoke_seed0_from_", "version_0")
	assert.FileExists(t, filepath.Join(runDir, "hparams.yaml"))
	assert.FileExists(t, filepath.Join(runDir, "metrics.csv"))
	storePath := filepath.Join(runDir, "checkpoints", trainer.CheckpointFile)

	best, err := trainer.LoadCheckpoint(storePath, trainer.KeyBest)
	require.NoError(t, err)
	require.NotNil(t, best.Metric)
	assert.Equal(t, 1.0, *best.Metric)
	last, err := trainer.LoadCheckpoint(storePath, trainer.KeyLast)
	require.NoError(t, err)
	assert.Equal(t, 1, last.Epoch)
	// 16 train+restval rows, 8 batches of 2, a step every 2 batches
	assert.Equal(t, 8, last.GlobalStep)

	withFlags(t, writeFile(t, "test.yaml", fmt.Sprintf(`
exp_name: smoke
data_root: %q
log_dir: %q
model: dryrun
batch_size: 4
per_gpu_batchsize: 2
test_only: true
load_path: %q
`, dataRoot, logDir, storePath)))
	require.NoError(t, run(context.Background(), discardLogger()))

	testDir := filepath.Join(logDir, "smoke_seed0_from_checkpoints", "version_0")
	assert.FileExists(t, filepath.Join(testDir, "metrics.csv"))
	_, err = os.Stat(filepath.Join(testDir, "checkpoints"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunUnknownModel(t *testing.T) {
	withFlags(t, writeFile(t, "run.yaml", "data_root: /nonexistent\nmodel: clip\n"))
	err := run(context.Background(), discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown model "clip"`)
}
