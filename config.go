package main

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/vilt-go/vilt/pkg/datamodule"
	"github.com/vilt-go/vilt/pkg/trainer"
	"go.yaml.in/yaml/v3"
)

//go:embed config.schema.json
var configSchema []byte

const (
	configSchemaURL = "config.schema.json"
	envPrefix       = "VILT_"

	// monitoredMetric is the validation metric checkpoints are ranked by.
	monitoredMetric = "val/the_metric"

	// maxEpochsWithSteps bounds the epochs when max_steps decides when to stop.
	maxEpochsWithSteps = 1000
)

// Config holds every setting of a training or test run.
type Config struct {
	ExpName  string   `json:"exp_name"  yaml:"exp_name"  env:"EXP_NAME"`
	Seed     uint64   `json:"seed"      yaml:"seed"      env:"SEED"`
	Datasets []string `json:"datasets"  yaml:"datasets"  env:"DATASETS" envSeparator:","`
	DataRoot string   `json:"data_root" yaml:"data_root" env:"DATA_ROOT"`

	NumGPUs   int `json:"num_gpus"   yaml:"num_gpus"   env:"NUM_GPUS"`
	NumNodes  int `json:"num_nodes"  yaml:"num_nodes"  env:"NUM_NODES"`
	NodeRank  int `json:"node_rank"  yaml:"node_rank"  env:"NODE_RANK"`
	LocalRank int `json:"local_rank" yaml:"local_rank" env:"LOCAL_RANK"`
	Precision int `json:"precision"  yaml:"precision"  env:"PRECISION"`

	MaxEpoch        int `json:"max_epoch"         yaml:"max_epoch"         env:"MAX_EPOCH"`
	MaxSteps        int `json:"max_steps"         yaml:"max_steps"         env:"MAX_STEPS"` // 0 means unset
	BatchSize       int `json:"batch_size"        yaml:"batch_size"        env:"BATCH_SIZE"`
	PerGPUBatchSize int `json:"per_gpu_batchsize" yaml:"per_gpu_batchsize" env:"PER_GPU_BATCHSIZE"`

	LogDir           string  `json:"log_dir"            yaml:"log_dir"            env:"LOG_DIR"`
	LoadPath         string  `json:"load_path"          yaml:"load_path"          env:"LOAD_PATH"`
	ResumeFrom       string  `json:"resume_from"        yaml:"resume_from"        env:"RESUME_FROM"`
	TestOnly         bool    `json:"test_only"          yaml:"test_only"          env:"TEST_ONLY"`
	FastDevRun       bool    `json:"fast_dev_run"       yaml:"fast_dev_run"       env:"FAST_DEV_RUN"`
	ValCheckInterval float64 `json:"val_check_interval" yaml:"val_check_interval" env:"VAL_CHECK_INTERVAL"`
	LogEveryNSteps   int     `json:"log_every_n_steps"  yaml:"log_every_n_steps"  env:"LOG_EVERY_N_STEPS"`

	Model        string         `json:"model"                   yaml:"model"                   env:"MODEL"`
	NumWorkers   int            `json:"num_workers"             yaml:"num_workers"             env:"NUM_WORKERS"`
	ModelOptions map[string]any `json:"model_options,omitempty" yaml:"model_options,omitempty"`
}

// DefaultConfig returns the settings used when neither the config file nor
// the environment says otherwise.
func DefaultConfig() Config {
	return Config{
		ExpName:          "vilt",
		Seed:             0,
		Datasets:         []string{"coco"},
		NumGPUs:          1,
		NumNodes:         1,
		Precision:        16,
		MaxEpoch:         100,
		BatchSize:        4096,
		PerGPUBatchSize:  32,
		LogDir:           "result",
		ValCheckInterval: 1.0,
		LogEveryNSteps:   10,
		Model:            "vilt",
		NumWorkers:       8,
	}
}

// LoadConfig builds the run configuration: defaults, then the .env file at
// envPath, then the YAML file at configPath, then VILT_* environment
// variables. Either path may be empty. The result is validated.
func LoadConfig(configPath, envPath string) (Config, error) {
	cfg := DefaultConfig()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("loading env file %q: %w", envPath, err)
		}
	}
	if configPath != "" {
		if err := cfg.mergeFile(configPath); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parsing %s environment: %w", envPrefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// mergeFile validates the YAML file at path against the embedded schema and
// applies the keys it sets on top of cfg.
func (cfg *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid YAML in %q: %w", path, err)
	}
	if raw == nil {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(configSchemaURL, bytes.NewReader(configSchema)); err != nil {
		return fmt.Errorf("adding config schema: %w", err)
	}
	schema, err := compiler.Compile(configSchemaURL)
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return fmt.Errorf("config file %q failed validation: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.ExpName == "" {
		errs = append(errs, errors.New("exp_name must not be empty"))
	}
	if cfg.LogDir == "" {
		errs = append(errs, errors.New("log_dir must not be empty"))
	}
	if len(cfg.Datasets) == 0 || slices.Contains(cfg.Datasets, "") {
		errs = append(errs, errors.New("datasets must name at least one dataset, none empty"))
	}
	if cfg.Model == "" {
		errs = append(errs, errors.New("model must not be empty"))
	}
	if cfg.NumGPUs < 0 {
		errs = append(errs, fmt.Errorf("num_gpus must not be negative, got %d", cfg.NumGPUs))
	}
	if cfg.NumNodes < 1 {
		errs = append(errs, fmt.Errorf("num_nodes must be at least 1, got %d", cfg.NumNodes))
	}
	if cfg.NodeRank < 0 || cfg.NodeRank >= max(cfg.NumNodes, 1) {
		errs = append(errs, fmt.Errorf("node_rank %d out of range for %d nodes", cfg.NodeRank, cfg.NumNodes))
	}
	if cfg.LocalRank < 0 || cfg.LocalRank >= cfg.Devices() {
		errs = append(errs, fmt.Errorf("local_rank %d out of range for %d devices", cfg.LocalRank, cfg.Devices()))
	}
	if !slices.Contains([]int{16, 32, 64}, cfg.Precision) {
		errs = append(errs, fmt.Errorf("precision must be 16, 32 or 64, got %d", cfg.Precision))
	}
	if cfg.MaxEpoch < 1 {
		errs = append(errs, fmt.Errorf("max_epoch must be positive, got %d", cfg.MaxEpoch))
	}
	if cfg.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("max_steps must not be negative, got %d", cfg.MaxSteps))
	}
	if cfg.ValCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("val_check_interval must be positive, got %g", cfg.ValCheckInterval))
	}
	if cfg.LogEveryNSteps < 1 {
		errs = append(errs, fmt.Errorf("log_every_n_steps must be positive, got %d", cfg.LogEveryNSteps))
	}
	if cfg.NumWorkers < 0 {
		errs = append(errs, fmt.Errorf("num_workers must not be negative, got %d", cfg.NumWorkers))
	}
	if cfg.BatchSize < 1 || cfg.PerGPUBatchSize < 1 {
		errs = append(errs, fmt.Errorf(
			"batch_size and per_gpu_batchsize must be positive, got %d and %d",
			cfg.BatchSize,
			cfg.PerGPUBatchSize,
		))
	} else if _, err := cfg.AccumulateGradBatches(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Devices is the number of devices per node. A CPU run uses one.
func (cfg Config) Devices() int {
	return max(cfg.NumGPUs, 1)
}

// WorldSize is the number of processes across all nodes.
func (cfg Config) WorldSize() int {
	return cfg.Devices() * cfg.NumNodes
}

// Distributed reports whether the run spans more than one process.
func (cfg Config) Distributed() bool {
	return cfg.WorldSize() > 1
}

// Rank is the global rank of this process.
func (cfg Config) Rank() int {
	return cfg.NodeRank*cfg.Devices() + cfg.LocalRank
}

// AccumulateGradBatches is how many per-device batches make up one optimizer
// step of batch_size examples.
func (cfg Config) AccumulateGradBatches() (int, error) {
	return trainer.AccumulateGradBatches(cfg.BatchSize, cfg.PerGPUBatchSize, cfg.Devices(), cfg.NumNodes)
}

// LoggerName names the run's log directory after the experiment, the seed
// and the weights it starts from.
func (cfg Config) LoggerName() string {
	base := filepath.Base(cfg.LoadPath)
	stem := ""
	if cfg.LoadPath != "" {
		stem = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return fmt.Sprintf("%s_seed%d_from_%s", cfg.ExpName, cfg.Seed, stem)
}

// Environment describes this process to the trainer and the data module.
func (cfg Config) Environment() trainer.Environment {
	return trainer.Environment{
		Rank:          cfg.Rank(),
		WorldSize:     cfg.WorldSize(),
		Devices:       cfg.Devices(),
		Nodes:         cfg.NumNodes,
		Precision:     cfg.Precision,
		Seed:          cfg.Seed,
		Deterministic: true,
	}
}

// TrainerOptions derives the trainer settings. When max_steps is set it
// decides when training stops and the epoch limit is lifted to 1000.
func (cfg Config) TrainerOptions() (trainer.Options, error) {
	accumulate, err := cfg.AccumulateGradBatches()
	if err != nil {
		return trainer.Options{}, err
	}
	maxEpochs := cfg.MaxEpoch
	if cfg.MaxSteps > 0 {
		maxEpochs = maxEpochsWithSteps
	}
	return trainer.Options{
		MaxEpochs:             maxEpochs,
		MaxSteps:              cfg.MaxSteps,
		AccumulateGradBatches: accumulate,
		ValCheckInterval:      cfg.ValCheckInterval,
		LogEveryNSteps:        cfg.LogEveryNSteps,
		FastDevRun:            cfg.FastDevRun,
		ResumeFrom:            cfg.ResumeFrom,
		LoadPath:              cfg.LoadPath,
		Env:                   cfg.Environment(),
	}, nil
}

// CheckpointOptions keeps the single best checkpoint by the validation
// metric, plus the last one.
func (cfg Config) CheckpointOptions() trainer.CheckpointOptions {
	return trainer.CheckpointOptions{
		Monitor:  monitoredMetric,
		Mode:     "max",
		SaveTopK: 1,
		SaveLast: true,
	}
}

// DataOptions configures the multitask data module.
func (cfg Config) DataOptions() datamodule.Options {
	return datamodule.Options{
		DataRoot:   cfg.DataRoot,
		Datasets:   cfg.Datasets,
		BatchSize:  cfg.PerGPUBatchSize,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	}
}
