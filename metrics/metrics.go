// Package metrics exports Prometheus metrics for the pipeline, queue, and
// messaging surfaces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the registry and all collectors.
type Exporter struct {
	registry *prometheus.Registry

	pipelineLatency *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec

	queueReceives prometheus.Counter
	queueAcks     prometheus.Counter
	queueNacks    prometheus.Counter

	debounceFlushes  prometheus.Counter
	debounceBuffered prometheus.Gauge

	retrievalHits *prometheus.CounterVec

	schedulerDue prometheus.Gauge

	sends *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	Registry       *prometheus.Registry
	LatencyBuckets []float64
}

// DefaultConfig returns the stock configuration. Buckets stretch to 60 s
// because a pipeline run includes up to two LLM round trips.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter builds and registers all collectors.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.pipelineLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leadline",
			Subsystem: "pipeline",
			Name:      "latency_seconds",
			Help:      "End-to-end pipeline latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"outcome"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadline",
			Subsystem: "pipeline",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"step"},
	)

	e.queueReceives = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leadline",
		Subsystem: "queue",
		Name:      "receives_total",
		Help:      "Total queue messages received",
	})
	e.queueAcks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leadline",
		Subsystem: "queue",
		Name:      "acks_total",
		Help:      "Total queue messages acknowledged",
	})
	e.queueNacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leadline",
		Subsystem: "queue",
		Name:      "nacks_total",
		Help:      "Total queue messages left for redelivery",
	})

	e.debounceFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leadline",
		Subsystem: "debounce",
		Name:      "flushes_total",
		Help:      "Total debounce window flushes",
	})
	e.debounceBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadline",
		Subsystem: "debounce",
		Name:      "buffered_conversations",
		Help:      "Conversations with a buffered, unflushed message",
	})

	e.retrievalHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadline",
			Subsystem: "retrieval",
			Name:      "hits_total",
			Help:      "Knowledge chunks admitted past the confidence gates",
		},
		[]string{"reason"},
	)

	e.schedulerDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadline",
		Subsystem: "scheduler",
		Name:      "due_conversations",
		Help:      "Conversations due for a follow-up at the last tick",
	})

	e.sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadline",
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Outbound provider sends",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		e.pipelineLatency,
		e.llmTokens,
		e.queueReceives,
		e.queueAcks,
		e.queueNacks,
		e.debounceFlushes,
		e.debounceBuffered,
		e.retrievalHits,
		e.schedulerDue,
		e.sends,
	)
	return e
}

// RecordPipeline records one pipeline run.
func (e *Exporter) RecordPipeline(outcome string, latency time.Duration, tokens int) {
	e.pipelineLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	if tokens > 0 {
		e.llmTokens.WithLabelValues("total").Add(float64(tokens))
	}
}

// RecordLLMTokens records token usage for one pipeline step.
func (e *Exporter) RecordLLMTokens(step string, tokens int) {
	e.llmTokens.WithLabelValues(step).Add(float64(tokens))
}

// RecordQueueReceive counts received queue messages.
func (e *Exporter) RecordQueueReceive(n int) {
	e.queueReceives.Add(float64(n))
}

// RecordQueueAck counts one acknowledged message.
func (e *Exporter) RecordQueueAck() { e.queueAcks.Inc() }

// RecordQueueNack counts one message left for redelivery.
func (e *Exporter) RecordQueueNack() { e.queueNacks.Inc() }

// RecordDebounceFlush counts one window flush.
func (e *Exporter) RecordDebounceFlush() { e.debounceFlushes.Inc() }

// SetBufferedConversations sets the current debounce buffer occupancy.
func (e *Exporter) SetBufferedConversations(n int) {
	e.debounceBuffered.Set(float64(n))
}

// RecordRetrievalHit counts one admitted knowledge chunk.
func (e *Exporter) RecordRetrievalHit(reason string) {
	e.retrievalHits.WithLabelValues(reason).Inc()
}

// SetSchedulerDue sets the due-conversation count observed at a tick.
func (e *Exporter) SetSchedulerDue(n int) {
	e.schedulerDue.Set(float64(n))
}

// RecordSend counts one outbound provider send by status.
func (e *Exporter) RecordSend(status string) {
	e.sends.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
