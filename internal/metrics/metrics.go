// Package metrics holds the Prometheus collectors of the bridge. Collectors
// are registered once on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minima"

var (
	modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model load attempts by result kind",
		},
		[]string{"result"},
	)

	modelLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Duration of successful model loads in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	warmupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warmups_total",
			Help:      "Completed warm-up calls",
		},
	)

	embeddingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_total",
			Help:      "Embedding ingestion attempts by result",
		},
		[]string{"result"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by terminal state",
		},
		[]string{"state"},
	)

	tokensGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_generated_total",
			Help:      "Sampled tokens across all generations",
		},
	)

	contextEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_evictions_total",
			Help:      "Slots evicted by the sliding window",
		},
	)

	contextPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_position",
			Help:      "Current context occupancy in slots",
		},
		[]string{"session"},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for the context slot",
			Buckets:   prometheus.DefBuckets,
		},
	)

	busyRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Calls rejected with ContextBusy",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		modelLoadsTotal, modelLoadDuration, warmupsTotal, embeddingsTotal, generationsTotal,
		tokensGeneratedTotal, contextEvictionsTotal, contextPosition, queueWait, busyRejectionsTotal,
	)
}

// ObserveLoad records a load attempt. result is "ok" or an error kind.
func ObserveLoad(result string, d time.Duration) {
	modelLoadsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		modelLoadDuration.Observe(d.Seconds())
	}
}

func IncWarmup() { warmupsTotal.Inc() }

// ObserveEmbedding records an ingestion: "ingested", "skipped" or an error kind.
func ObserveEmbedding(result string) { embeddingsTotal.WithLabelValues(result).Inc() }

// ObserveGeneration records a finished generation.
func ObserveGeneration(state string, tokens int) {
	generationsTotal.WithLabelValues(state).Inc()
	tokensGeneratedTotal.Add(float64(tokens))
}

func AddEvictions(n int) { contextEvictionsTotal.Add(float64(n)) }

// SetPosition publishes the occupancy of a session's context.
func SetPosition(session string, pos int) { contextPosition.WithLabelValues(session).Set(float64(pos)) }

// DropSession removes the position series of a closed session.
func DropSession(session string) { contextPosition.DeleteLabelValues(session) }

func ObserveQueueWait(d time.Duration) { queueWait.Observe(d.Seconds()) }

// IncBusy is called when a call is rejected with ContextBusy.
func IncBusy(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	busyRejectionsTotal.WithLabelValues(reason).Inc()
}
