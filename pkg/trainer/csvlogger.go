package trainer

import (
	"encoding/csv"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"
)

const (
	metricsFileName = "metrics.csv"
	hparamsFileName = "hparams.yaml"
	versionPrefix   = "version_"
)

// CSVLogger writes metrics to <root>/<name>/version_<n>/metrics.csv, where n
// is the next free version number. Rows are buffered and the whole file is
// rewritten on Flush, since new metric names add columns.
type CSVLogger struct {
	dir     string
	version int

	mu   sync.Mutex
	rows []csvRow
	keys map[string]struct{}
}

type csvRow struct {
	step    int
	metrics Metrics
}

var _ MetricsSink = (*CSVLogger)(nil)

// NewCSVLogger creates the next version directory under root/name.
func NewCSVLogger(root, name string) (*CSVLogger, error) {
	base := filepath.Join(root, name)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	version, err := nextVersion(base)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(base, versionPrefix+strconv.Itoa(version))
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating version directory: %w", err)
	}
	return &CSVLogger{
		dir:     dir,
		version: version,
		keys:    make(map[string]struct{}),
	}, nil
}

func nextVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("listing versions in %q: %w", dir, err)
	}
	next := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), versionPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), versionPrefix))
		if err != nil {
			continue
		}
		next = max(next, n+1)
	}
	return next, nil
}

// Dir is the version directory.
func (l *CSVLogger) Dir() string {
	return l.dir
}

func (l *CSVLogger) Version() int {
	return l.version
}

// LogHyperparams writes params to hparams.yaml in the version directory.
func (l *CSVLogger) LogHyperparams(params any) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("serializing hyperparameters: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, hparamsFileName), data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", hparamsFileName, err)
	}
	return nil
}

func (l *CSVLogger) LogMetrics(step int, metrics Metrics) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, csvRow{step: step, metrics: maps.Clone(metrics)})
	for k := range metrics {
		l.keys[k] = struct{}{}
	}
	return nil
}

// Flush rewrites metrics.csv with every row logged so far.
func (l *CSVLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, metricsFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", metricsFileName, err)
	}
	defer f.Close()

	var (
		w      = csv.NewWriter(f)
		keys   = slices.Sorted(maps.Keys(l.keys))
		header = append([]string{"step"}, keys...)
	)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header to %s: %w", metricsFileName, err)
	}
	record := make([]string, len(header))
	for _, row := range l.rows {
		record[0] = strconv.Itoa(row.step)
		for i, k := range keys {
			record[i+1] = ""
			if v, ok := row.metrics[k]; ok {
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write row to %s: %w", metricsFileName, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", metricsFileName, err)
	}
	return f.Close()
}

func (l *CSVLogger) Close() error {
	return l.Flush()
}
