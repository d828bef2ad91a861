// Package metrics exposes Prometheus metrics for sync runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"layersync/internal/etl"
)

const namespace = "layersync"

// Recorder owns a private registry and the run/chunk metrics.
type Recorder struct {
	registry *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RecordsTotal    *prometheus.CounterVec
	ChunksTotal     *prometheus.CounterVec
	ChunkAttempts   prometheus.Histogram
	LastRunUnixTime *prometheus.GaugeVec
}

// NewRecorder creates and registers the metrics.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by job and final status",
		},
		[]string{"job", "status"},
	)
	r.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sync run",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"job"},
	)
	r.RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records per job and outcome (read_source, read_destination, submitted, accepted, rejected, skipped)",
		},
		[]string{"job", "outcome"},
	)
	r.ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Delivered chunks by result",
		},
		[]string{"result"},
	)
	r.ChunkAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_attempts",
			Help:      "Write attempts needed per chunk",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)
	r.LastRunUnixTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Start time of the last run per job",
		},
		[]string{"job"},
	)

	r.registry.MustRegister(
		r.RunsTotal,
		r.RunDuration,
		r.RecordsTotal,
		r.ChunksTotal,
		r.ChunkAttempts,
		r.LastRunUnixTime,
	)
	return r
}

// Registry returns the registry the metrics live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(res *etl.SyncResult) {
	if r == nil || res == nil {
		return
	}
	job := res.JobName
	r.RunsTotal.WithLabelValues(job, string(res.Status)).Inc()
	r.RunDuration.WithLabelValues(job).Observe(res.Duration.Seconds())
	r.LastRunUnixTime.WithLabelValues(job).Set(float64(res.StartedAt.Unix()))

	for outcome, n := range map[string]int{
		"read_source":      res.SourceRead,
		"read_destination": res.DestinationRead,
		"submitted":        res.Submitted,
		"accepted":         res.Accepted,
		"rejected":         res.Rejected,
		"skipped":          len(res.NormalizationFailures),
	} {
		r.RecordsTotal.WithLabelValues(job, outcome).Add(float64(n))
	}
}

// ObserveChunk records one delivered chunk. It fits Deliverer.OnChunk.
func (r *Recorder) ObserveChunk(b etl.BatchResult) {
	if r == nil {
		return
	}
	result := "ok"
	switch {
	case b.Err != nil:
		result = "failed"
	case len(b.Failures) > 0:
		result = "partial"
	}
	r.ChunksTotal.WithLabelValues(result).Inc()
	if b.Attempts > 0 {
		r.ChunkAttempts.Observe(float64(b.Attempts))
	}
}
