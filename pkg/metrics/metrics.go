package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datagate"

// Outcome labels shared by the counters below
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Metrics holds the service counters. Each instance owns its own registry
// so tests and multiple nodes in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	ChunksUploaded    prometheus.Counter
	ChunkBytes        prometheus.Counter
	ChunksSwept       prometheus.Counter
	Merges            *prometheus.CounterVec
	CredentialsIssued prometheus.Counter
	Verifications     *prometheus.CounterVec
	Trainings         *prometheus.CounterVec
	TrainingDuration  prometheus.Histogram
	LastAccuracy      prometheus.Gauge
	Predictions       *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ChunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_uploaded_total",
			Help: "Chunks accepted into staging.",
		}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunk_bytes_total",
			Help: "Payload bytes accepted into staging.",
		}),
		ChunksSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_swept_total",
			Help: "Orphaned staging files removed by the sweeper.",
		}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "merges_total",
			Help: "Merge attempts by outcome.",
		}, []string{"outcome"}),
		CredentialsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "credentials_issued_total",
			Help: "Credentials written to the registry.",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verifications_total",
			Help: "Credential checks by outcome.",
		}, []string{"outcome"}),
		Trainings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trainings_total",
			Help: "Training runs by outcome.",
		}, []string{"outcome"}),
		TrainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "training_duration_seconds",
			Help:    "Wall time of successful training runs.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		LastAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "model_accuracy",
			Help: "Held-out accuracy of the current model.",
		}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "predictions_total",
			Help: "Predict calls by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.ChunksUploaded,
		m.ChunkBytes,
		m.ChunksSwept,
		m.Merges,
		m.CredentialsIssued,
		m.Verifications,
		m.Trainings,
		m.TrainingDuration,
		m.LastAccuracy,
		m.Predictions,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
