package karpathy

import (
	"fmt"
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// SizeHistogram summarizes the byte sizes of a set of images.
type SizeHistogram struct {
	Count int
	Sum   int64
	Min   int
	Max   int
	Avg   float64
	P50   float64
	P90   float64
	P99   float64
}

// NewSizeHistogram builds the histogram of the image sizes in rows.
func NewSizeHistogram(rows []Row) SizeHistogram {
	if len(rows) == 0 {
		return SizeHistogram{}
	}

	sizes := make([]float64, len(rows))
	var sum int64
	for i, row := range rows {
		sizes[i] = float64(len(row.Image))
		sum += int64(len(row.Image))
	}
	slices.Sort(sizes)

	return SizeHistogram{
		Count: len(sizes),
		Sum:   sum,
		Min:   int(sizes[0]),
		Max:   int(sizes[len(sizes)-1]),
		Avg:   stat.Mean(sizes, nil),
		P50:   stat.Quantile(0.50, stat.Empirical, sizes, nil),
		P90:   stat.Quantile(0.90, stat.Empirical, sizes, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, sizes, nil),
	}
}

// LogValue implements slog.LogValuer.
func (h SizeHistogram) LogValue() slog.Value {
	if h.Count == 0 {
		return slog.GroupValue(slog.Int("count", 0))
	}
	return slog.GroupValue(
		slog.Int("count", h.Count),
		slog.String("total", formatBytes(h.Sum)),
		slog.Int("min", h.Min),
		slog.Int("max", h.Max),
		slog.Float64("avg", h.Avg),
		slog.Float64("p50", h.P50),
		slog.Float64("p90", h.P90),
		slog.Float64("p99", h.P99),
	)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
