// Package metrics exposes installation counters in Prometheus format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fwinstall"

// Metrics holds the installer's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	stateDuration   *prometheus.HistogramVec
	runDuration     prometheus.Histogram
	downloadRetries prometheus.Counter
	chunkRetries    prometheus.Counter
	bytesFlashed    prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Installation runs by terminal state and failure class.",
		}, []string{"result", "reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "States entered by installation runs.",
		}, []string{"state"}),
		stateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_duration_seconds",
			Help:      "Time spent in each installation state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of installation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		downloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_retries_total",
			Help:      "Package downloads retried after a transient failure.",
		}),
		chunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Chunk writes retried after a device error.",
		}),
		bytesFlashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_flashed_total",
			Help:      "Image bytes acknowledged by devices.",
		}),
	}

	m.registry.MustRegister(
		m.runs,
		m.transitions,
		m.stateDuration,
		m.runDuration,
		m.downloadRetries,
		m.chunkRetries,
		m.bytesFlashed,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StateEntered counts a transition into state.
func (m *Metrics) StateEntered(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// StateLeft records how long a run stayed in state.
func (m *Metrics) StateLeft(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.stateDuration.WithLabelValues(state).Observe(d.Seconds())
}

// RunFinished records a terminal run. reason is empty for successful runs.
func (m *Metrics) RunFinished(result, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result, reason).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) DownloadRetried() {
	if m == nil {
		return
	}
	m.downloadRetries.Inc()
}

func (m *Metrics) ChunkRetried() {
	if m == nil {
		return
	}
	m.chunkRetries.Inc()
}

// BytesFlashed adds n acknowledged bytes.
func (m *Metrics) BytesFlashed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesFlashed.Add(float64(n))
}

// WriteTextfile writes the current values in the node_exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
