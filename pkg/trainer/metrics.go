package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instruments are the prometheus collectors updated by the fit and test loops.
type Instruments struct {
	TrainBatches   prometheus.Counter
	OptimizerSteps prometheus.Counter
	Epoch          prometheus.Gauge
	StepSeconds    prometheus.Histogram
	Scalars        *prometheus.GaugeVec
}

// NewInstruments creates the training collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewInstruments(reg prometheus.Registerer) *Instruments {
	ins := &Instruments{
		TrainBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vilt_train_batches_total",
			Help: "Total number of training batches processed",
		}),
		OptimizerSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vilt_optimizer_steps_total",
			Help: "Total number of optimizer steps taken",
		}),
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vilt_epoch",
			Help: "Current training epoch",
		}),
		StepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vilt_train_batch_seconds",
			Help:    "Time spent in a training step, per batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		Scalars: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilt_metric",
			Help: "Most recent value of each logged metric",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(
			ins.TrainBatches,
			ins.OptimizerSteps,
			ins.Epoch,
			ins.StepSeconds,
			ins.Scalars,
		)
	}
	return ins
}

func (ins *Instruments) observe(metrics Metrics) {
	for name, value := range metrics {
		ins.Scalars.WithLabelValues(name).Set(value)
	}
}

// NewRegistry returns a registry with the training collectors plus the Go and
// process collectors.
func NewRegistry() (*prometheus.Registry, *Instruments) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, NewInstruments(registry)
}

// ServeMetrics exposes registry on /metrics at port until ctx is done.
func ServeMetrics(ctx context.Context, logger *slog.Logger, port int, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("exposing training metrics", slog.Int("port", port))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}
