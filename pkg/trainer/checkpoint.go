package trainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// CheckpointFile is the name of the checkpoint store inside a checkpoint
	// directory.
	CheckpointFile = "checkpoints.db"

	checkpointBucket = "checkpoints"

	// KeyLast holds the most recent checkpoint.
	KeyLast = "last"
	// KeyBest holds the checkpoint with the best monitored metric.
	KeyBest = "best"
)

// ErrNoCheckpoint is returned when a store has no entry under a key.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint is one saved training state.
type Checkpoint struct {
	Epoch      int       `json:"epoch"`
	GlobalStep int       `json:"global_step"`
	Monitor    string    `json:"monitor,omitempty"`
	Metric     *float64  `json:"metric,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
	State      []byte    `json:"state"`
}

// CheckpointStore keeps checkpoints in a bbolt file, JSON encoded.
type CheckpointStore struct {
	db     *bbolt.DB
	path   string
	bucket []byte
}

// OpenCheckpointStore opens or creates the store at path. A read-only store
// must already exist.
func OpenCheckpointStore(path string, readOnly bool) (*CheckpointStore, error) {
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:  20 * time.Second,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store %q: %w", path, err)
	}

	store := &CheckpointStore{db: db, path: path, bucket: []byte(checkpointBucket)}
	if !readOnly {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(store.bucket)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating checkpoint bucket: %w", err)
		}
	}
	return store, nil
}

// Path is the file backing the store.
func (s *CheckpointStore) Path() string {
	return s.path
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// Save stores ckpt under key, replacing any previous entry.
func (s *CheckpointStore) Save(key string, ckpt Checkpoint) error {
	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("serializing checkpoint %q: %w", key, err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("saving checkpoint %q to %q: %w", key, s.path, err)
	}
	return nil
}

// Load returns the checkpoint under key, or ErrNoCheckpoint.
func (s *CheckpointStore) Load(key string) (*Checkpoint, error) {
	var ckpt *Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		ckpt = new(Checkpoint)
		if err := json.Unmarshal(data, ckpt); err != nil {
			return fmt.Errorf("parsing checkpoint %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		return nil, fmt.Errorf("%w %q in %q", ErrNoCheckpoint, key, s.path)
	}
	return ckpt, nil
}

// LoadCheckpoint reads a single checkpoint from the store at path.
func LoadCheckpoint(path, key string) (*Checkpoint, error) {
	store, err := OpenCheckpointStore(path, true)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(key)
}

// LoadWeights returns the model state stored at path. Checkpoint stores (.db)
// yield their best entry, falling back to the last one; any other file is
// read as a raw model state.
func LoadWeights(path string) ([]byte, error) {
	if !strings.EqualFold(filepath.Ext(path), ".db") {
		state, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading model state: %w", err)
		}
		return state, nil
	}

	store, err := OpenCheckpointStore(path, true)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	ckpt, err := store.Load(KeyBest)
	if errors.Is(err, ErrNoCheckpoint) {
		ckpt, err = store.Load(KeyLast)
	}
	if err != nil {
		return nil, err
	}
	return ckpt.State, nil
}

// CheckpointOptions configures ModelCheckpoint.
type CheckpointOptions struct {
	Monitor  string // metric compared between validations
	Mode     string // "max" or "min"
	SaveTopK int    // 0 disables best checkpoints, otherwise 1
	SaveLast bool
}

func (o CheckpointOptions) validate() error {
	if o.Mode != "max" && o.Mode != "min" {
		return fmt.Errorf("checkpoint mode must be max or min, got %q", o.Mode)
	}
	if o.SaveTopK < 0 || o.SaveTopK > 1 {
		return fmt.Errorf("checkpoint save_top_k must be 0 or 1, got %d", o.SaveTopK)
	}
	if o.SaveTopK > 0 && o.Monitor == "" {
		return errors.New("checkpoint monitor is required with save_top_k")
	}
	return nil
}

// ModelCheckpoint saves the module after validations: under KeyBest when the
// monitored metric improves, and under KeyLast every time when SaveLast is set.
type ModelCheckpoint struct {
	BaseCallback

	opts   CheckpointOptions
	store  *CheckpointStore
	best   *float64
	logger *slog.Logger
}

var _ Callback = (*ModelCheckpoint)(nil)

// NewModelCheckpoint opens the store in dir, creating dir if needed. The best
// metric of a previous run in the same dir is picked up.
func NewModelCheckpoint(dir string, opts CheckpointOptions, logger *slog.Logger) (*ModelCheckpoint, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	store, err := OpenCheckpointStore(filepath.Join(dir, CheckpointFile), false)
	if err != nil {
		return nil, err
	}

	mc := &ModelCheckpoint{
		opts:   opts,
		store:  store,
		logger: logger.With(slog.String("checkpoints", store.Path())),
	}
	if prev, err := store.Load(KeyBest); err == nil && prev.Monitor == opts.Monitor {
		mc.best = prev.Metric
	}
	return mc, nil
}

// Path is the checkpoint store file.
func (mc *ModelCheckpoint) Path() string {
	return mc.store.Path()
}

// Best is the best monitored value seen so far, if any.
func (mc *ModelCheckpoint) Best() (float64, bool) {
	if mc.best == nil {
		return 0, false
	}
	return *mc.best, true
}

func (mc *ModelCheckpoint) improves(value float64) bool {
	if mc.best == nil {
		return true
	}
	if mc.opts.Mode == "min" {
		return value < *mc.best
	}
	return value > *mc.best
}

func (mc *ModelCheckpoint) OnValidationEnd(ls LoopState, metrics Metrics) error {
	ckpt, err := mc.snapshot(ls)
	if err != nil {
		return err
	}

	if mc.opts.SaveTopK > 0 {
		value, ok := metrics[mc.opts.Monitor]
		if !ok {
			mc.logger.Warn(
				"monitored metric missing from validation results",
				slog.String("monitor", mc.opts.Monitor),
			)
		} else if mc.improves(value) {
			ckpt.Metric = &value
			if err := mc.store.Save(KeyBest, ckpt); err != nil {
				return err
			}
			mc.best = &value
			mc.logger.Info(
				"saved best checkpoint",
				slog.String("monitor", mc.opts.Monitor),
				slog.Float64("value", value),
				slog.Int("step", ls.GlobalStep),
			)
		}
	}
	if mc.opts.SaveLast {
		return mc.store.Save(KeyLast, ckpt)
	}
	return nil
}

func (mc *ModelCheckpoint) OnFitEnd(ls LoopState) error {
	if !mc.opts.SaveLast {
		return nil
	}
	ckpt, err := mc.snapshot(ls)
	if err != nil {
		return err
	}
	return mc.store.Save(KeyLast, ckpt)
}

func (mc *ModelCheckpoint) Close() error {
	return mc.store.Close()
}

func (mc *ModelCheckpoint) snapshot(ls LoopState) (Checkpoint, error) {
	state, err := ls.Module.State()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("capturing module state: %w", err)
	}
	return Checkpoint{
		Epoch:      ls.Epoch,
		GlobalStep: ls.GlobalStep,
		Monitor:    mc.opts.Monitor,
		SavedAt:    time.Now().UTC(),
		State:      state,
	}, nil
}
