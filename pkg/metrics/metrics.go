package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store metrics
	ObjectsBuffered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steprunner_objects_buffered",
			Help: "Entities/relationships currently buffered in the object store, by kind",
		},
		[]string{"kind"},
	)

	ObjectsFlushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steprunner_objects_flushed_total",
			Help: "Total entities/relationships written to disk, by kind",
		},
		[]string{"kind"},
	)

	FlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steprunner_flushes_total",
			Help: "Total number of buffer flushes to disk",
		},
	)

	DiskUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steprunner_staging_disk_usage_bytes",
			Help: "Bytes currently occupied by the staging directory",
		},
	)

	// Scheduler metrics
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steprunner_step_duration_seconds",
			Help:    "Step execution duration in seconds by step id and terminal status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_id", "status"},
	)

	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steprunner_steps_total",
			Help: "Total steps run, by terminal status",
		},
		[]string{"status"},
	)

	// Uploader metrics
	UploadBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steprunner_upload_batch_duration_seconds",
			Help:    "Time to upload a single batch, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	UploadBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steprunner_upload_batches_total",
			Help: "Total batches uploaded, by outcome",
		},
		[]string{"outcome"},
	)

	UploadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steprunner_upload_retries_total",
			Help: "Total number of batch upload retry attempts",
		},
	)

	UploadShrinkEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steprunner_upload_shrink_events_total",
			Help: "Total number of times a batch's raw data was shrunk after a 413",
		},
	)

	UploadTypeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steprunner_upload_type_bytes",
			Help: "Bytes uploaded per entity/relationship type and kind",
		},
		[]string{"type", "kind"},
	)

	UploadTypeCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steprunner_upload_type_count",
			Help: "Items uploaded per entity/relationship type and kind",
		},
		[]string{"type", "kind"},
	)

	// generic gauge published through Logger.PublishMetric for
	// anything that doesn't have a dedicated collector above.
	generic = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steprunner_metric",
			Help: "Ad-hoc metrics published via the Logger's publishMetric hook",
		},
		[]string{"name", "unit"},
	)
)

func init() {
	prometheus.MustRegister(ObjectsBuffered)
	prometheus.MustRegister(ObjectsFlushedTotal)
	prometheus.MustRegister(FlushesTotal)
	prometheus.MustRegister(DiskUsageBytes)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(UploadBatchDuration)
	prometheus.MustRegister(UploadBatchesTotal)
	prometheus.MustRegister(UploadRetriesTotal)
	prometheus.MustRegister(UploadShrinkEventsTotal)
	prometheus.MustRegister(UploadTypeBytes)
	prometheus.MustRegister(UploadTypeCount)
	prometheus.MustRegister(generic)
}

// Observe records an ad-hoc metric sample under the generic gauge.
// This is the sink for types.Logger.PublishMetric; components that
// need first-class collectors (histograms, counters) use the
// package-level vars above directly instead of going through it.
func Observe(name, unit string, value float64) {
	generic.WithLabelValues(name, unit).Set(value)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation for later observation against a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with
// labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
