package metrics

import (
	"errors"
	"net/http"
	"time"

	"apsbulk/internal/checkpoint"
	"apsbulk/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes bulk engine metrics. It implements
// bulk.Recorder.
type Collector struct {
	registry       *prometheus.Registry
	itemsTotal     *prometheus.CounterVec
	attemptsFailed *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
	inflightItems  *prometheus.GaugeVec
	duration       *prometheus.HistogramVec
	checkpoints    *prometheus.CounterVec
	checkpointTime prometheus.Histogram
	itemsDone      prometheus.Gauge
	itemsPlanned   prometheus.Gauge
}

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulk_items_total",
				Help: "Total number of items finished, by final status",
			},
			[]string{"kind", "status"},
		),
		attemptsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulk_attempts_failed_total",
				Help: "Failed attempts, by classification and whether a retry followed",
			},
			[]string{"kind", "reason", "retried"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulk_bytes_total",
				Help: "Total bytes handled by finished items",
			},
			[]string{"kind"},
		),
		inflightItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulk_inflight_items",
				Help: "Number of items currently being processed",
			},
			[]string{"kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulk_item_duration_seconds",
				Help:    "Time taken to process an item including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulk_checkpoints_total",
				Help: "Checkpoint writes, by result",
			},
			[]string{"kind", "result"},
		),
		checkpointTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bulk_checkpoint_duration_seconds",
				Help:    "Time taken to write a checkpoint",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		itemsDone: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulk_progress_done_items",
				Help: "Items with a final outcome in the current operation",
			},
		),
		itemsPlanned: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulk_progress_total_items",
				Help: "Items in the current operation",
			},
		),
	}

	c.registry.MustRegister(
		c.itemsTotal,
		c.attemptsFailed,
		c.bytesTotal,
		c.inflightItems,
		c.duration,
		c.checkpoints,
		c.checkpointTime,
		c.itemsDone,
		c.itemsPlanned,
	)
	return c
}

// ItemStarted marks an item in flight
func (c *Collector) ItemStarted(kind string) {
	c.inflightItems.WithLabelValues(kind).Inc()
}

// ItemFinished records the final outcome of an item
func (c *Collector) ItemFinished(kind string, status checkpoint.ItemStatus, attempts int, elapsed time.Duration, bytes int64) {
	c.inflightItems.WithLabelValues(kind).Dec()
	c.itemsTotal.WithLabelValues(kind, string(status)).Inc()
	if attempts > 0 {
		c.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
	if bytes > 0 {
		c.bytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// AttemptFailed counts a failed attempt
func (c *Collector) AttemptFailed(kind, reason string, willRetry bool) {
	retried := "false"
	if willRetry {
		retried = "true"
	}
	c.attemptsFailed.WithLabelValues(kind, reason, retried).Inc()
}

// CheckpointWritten records a checkpoint write
func (c *Collector) CheckpointWritten(kind string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.checkpoints.WithLabelValues(kind, result).Inc()
	c.checkpointTime.Observe(elapsed.Seconds())
}

// ObserveProgress mirrors a progress snapshot into gauges
func (c *Collector) ObserveProgress(s progress.Snapshot) {
	c.itemsDone.Set(float64(s.Done()))
	c.itemsPlanned.Set(float64(s.Total))
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server. It blocks until the server
// stops.
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	err := http.ListenAndServe(addr, mux)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
